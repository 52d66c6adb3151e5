package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/service"
)

type examWriter interface {
	UpsertExam(ctx context.Context, e *model.ExamDefinition) error
}

func main() {
	var (
		file        string
		participant int
	)
	flag.StringVar(&file, "file", "seeds/sample_exam.json", "Path to an exam definition JSON file")
	flag.IntVar(&participant, "participant", 0, "Also print a participant token for this id")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	raw, err := os.ReadFile(file)
	if err != nil {
		log.Fatal().Err(err).Str("file", file).Msg("Failed to read exam file")
	}
	var exam model.ExamDefinition
	if err := json.Unmarshal(raw, &exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to decode exam file")
	}
	if exam.Status == "" {
		exam.Status = model.ExamStatusPublished
	}

	var writer examWriter
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		db, err := database.NewSQLiteDB(ctx, cfg.SQLitePath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite")
		}
		defer db.Close()
		store, err := repository.NewSQLiteStore(ctx, db)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare SQLite schema")
		}
		writer = store
	default:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		writer = repository.NewExamRepository(pool)
	}

	if err := writer.UpsertExam(ctx, &exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed exam")
	}

	// Cached copies would otherwise keep serving the old definition.
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, cached definition not invalidated")
	} else if rdb != nil {
		defer rdb.Close()
		if err := service.NewExamService(nil, rdb, log).Invalidate(ctx, exam.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to invalidate cached definition")
		}
	}

	fmt.Printf("Seeded exam %s (%q, %d questions, %d minutes)\n",
		exam.ID, exam.Title, len(exam.Questions), exam.DurationMinutes)

	if participant > 0 {
		token, err := service.NewAuthService(cfg).GenerateToken(participant)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to sign participant token")
		}
		fmt.Printf("Participant %d token:\n%s\n", participant, token)
	}
}
