package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/marion/aap-watch/internal/ai"
	"github.com/marion/aap-watch/internal/api"
	"github.com/marion/aap-watch/internal/auth"
	"github.com/marion/aap-watch/internal/db"
	"github.com/marion/aap-watch/internal/ingest"
)

func main() {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	registry, err := ingest.LoadRegistry(os.Getenv("SOURCES_FILE"))
	if err != nil {
		log.Fatalf("Failed to load source registry: %v", err)
	}

	provider, err := ai.NewProvider(ai.Config{
		Backend:    os.Getenv("AI_BACKEND"),
		BaseURL:    os.Getenv("AI_BASE_URL"),
		APIKey:     os.Getenv("AI_API_KEY"),
		GenModel:   os.Getenv("AI_GEN_MODEL"),
		EmbedModel: os.Getenv("AI_EMBED_MODEL"),
	})
	if err != nil {
		log.Fatalf("AI configuration error: %v", err)
	}
	if provider == nil {
		log.Print("AI backend not configured; enrichment and similarity search disabled")
	}

	fetcher := ingest.NewHTTPFetcher(ingest.FetchConfig{})
	pipeline := ingest.NewPipeline(registry, fetcher, ingest.NewNormalizer(nil))
	if provider != nil {
		pipeline.Enricher = ai.NewEnricher(provider)
	}

	srv := api.NewServer(db.NewStore(pool), auth.NewService(pool), provider, pipeline)
	log.Printf("Server starting on port %s...", port)
	if err := srv.Start(port); err != nil {
		log.Fatal(err)
	}
}
