// Package cytovae learns compact latent representations of single-cell image
// patches from time-lapse microscopy.
//
// CytoVAE wraps one convolutional encoder/decoder skeleton with four
// interchangeable latent bottlenecks (vector quantization, Gaussian,
// importance-weighted Gaussian, adversarial), so downstream analysis such as
// trajectory clustering can operate on low-dimensional codes instead of raw
// pixels. A graph-based reorderer groups patches of the same cell trajectory
// into contiguous blocks, and a time-matching loss pulls temporally adjacent
// patches together in latent space.
//
// # Quick Start
//
// Build a vector-quantized model for 2-channel 128x128 patches and train it:
//
//	m, _ := cytovae.VQVAE(2, 128).
//	    NumHiddens(16).
//	    NumEmbeddings(64).
//	    Build(cytovae.WithBackend("go"), cytovae.WithSeed(42))
//	defer m.Close()
//
//	t, _ := train.New(m, train.WithBatchSize(16), train.WithNumEpochs(10))
//	_ = t.Fit(ctx, stack, matrix, nil)
//
// # Trajectory Reordering
//
// Relation graphs map patch index pairs to relation kinds. Reordering makes
// trajectory frames contiguous and produces the sparse pairwise weight matrix
// consumed by the time-matching loss:
//
//	reordered, matrix, perm, _ := relation.ReorderStack(stack, graph, 42)
//
// # Model Variants
//
//	cytovae.VQVAE(c, s)  // codebook bottleneck, straight-through gradients
//	cytovae.VAE(c, s)    // Gaussian bottleneck, KL regularization
//	cytovae.IWAE(c, s)   // importance-weighted Gaussian bottleneck
//	cytovae.AAE(c, s)    // adversarial bottleneck, latent discriminator
//
// All variants share the encoder/decoder skeleton; they differ only in how
// the latent grid is treated and which loss terms are produced. Adversarial
// models are trained with train.NewAdversarial, which alternates
// reconstruction steps with discriminator/generator steps.
//
// # Feature Extraction
//
// After training, encode whole stacks into flat latent vectors, discrete
// code indices, or reconstructions:
//
//	latents, _ := m.Embed(ctx, stack, 64)
//	codes, _ := m.EmbedIndices(ctx, stack, 64)   // VQVAE only
//	recon, _ := m.Reconstruct(ctx, stack, 64)
//
// # Checkpoints
//
// Model variables are saved through an artifact.Store (local directory,
// in-memory, S3, or MinIO) with a JSON manifest and compressed variable
// payload:
//
//	store, _ := artifact.NewLocal("./ckpt")
//	_ = m.Save(ctx, store, "supp-t0")
//	m2, _ := cytovae.Load(ctx, store, "supp-t0", cytovae.WithBackend("go"))
//
// # Key Features
//
//   - Four bottleneck variants over one shared conv skeleton
//   - Trajectory-aware reordering with sparse relation matrices
//   - Time-matching auxiliary loss across all variants
//   - NumPy .npy interchange for patch stacks, masks and latents
//   - Pluggable checkpoint stores (local mmap, memory, S3, MinIO)
//   - Structured logging and metrics hooks throughout
package cytovae
