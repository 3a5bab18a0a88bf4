package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hupe1980/cytovae"
	"github.com/hupe1980/cytovae/testutil"
	"github.com/hupe1980/cytovae/train"
)

func main() {
	seed := int64(4711)
	size := 64
	channels := 1
	patchSize := 32
	epochs := 6
	batchSize := 8

	ctx := context.Background()

	m, err := cytovae.VQVAE(channels, patchSize).
		NumHiddens(16).
		NumResidualHiddens(32).
		NumResidualLayers(2).
		NumEmbeddings(64).
		//CommitmentCost(0.5).
		Build(cytovae.WithBackend("go"), cytovae.WithSeed(seed))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	rng := testutil.NewRNG(seed)
	stack := rng.CellStack(size, channels, patchSize, patchSize)

	fmt.Println("--- Train ---")
	fmt.Println("Patches:", size)
	fmt.Println("Shape:", stack.Shape())

	trainer, err := train.New(m,
		train.WithBatchSize(batchSize),
		train.WithNumEpochs(epochs),
	)
	if err != nil {
		log.Fatal(err)
	}

	start := time.Now()

	if err := trainer.Fit(ctx, stack, nil, nil); err != nil {
		log.Fatal(err)
	}

	end := time.Since(start)

	fmt.Printf("Seconds: %.2f\n\n", end.Seconds())

	used, total := m.CodebookCoverage()
	fmt.Printf("Codebook: %d/%d codes in use\n\n", used, total)

	fmt.Println("--- Embed ---")

	start = time.Now()

	latents, err := m.Embed(ctx, stack, batchSize)
	if err != nil {
		log.Fatal(err)
	}

	end = time.Since(start)

	fmt.Println("Latents:", latents.Shape)
	fmt.Printf("Seconds: %.8f\n\n", end.Seconds())

	fmt.Println("--- Reconstruct ---")

	start = time.Now()

	recon, err := m.Reconstruct(ctx, stack, batchSize)
	if err != nil {
		log.Fatal(err)
	}

	end = time.Since(start)

	fmt.Printf("MSE: %.6f\n", testutil.MSE(stack, recon))
	fmt.Printf("Seconds: %.8f\n\n", end.Seconds())
}
