package main

import (
	"flag"
	"log"
	"time"

	"github.com/partnerhub/messaging-backend/internal/config"
	"github.com/partnerhub/messaging-backend/internal/migration"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "config file path (default configs/config.{APP_ENV}.yaml)")
	seed := flag.Bool("seed", false, "insert development members and a sample partnership")
	verify := flag.Bool("verify", false, "verify message integrity instead of migrating")
	verbose := flag.Bool("verbose", false, "verbose SQL logging")
	flag.Parse()

	if files := config.LoadDotEnv(); len(files) == 0 {
		log.Println("No .env file found, using environment variables")
	}

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logLevel := gormlogger.Warn
	if *verbose {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(mysql.Open(cfg.Database.GetDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get underlying DB: %v", err)
	}
	defer sqlDB.Close()

	if *verify {
		report, err := migration.Verify(db)
		if err != nil {
			log.Fatalf("[verify] FAILED: %v", err)
		}
		log.Printf("[verify] no_address=%d read_without_at=%d at_without_read=%d read_before_sent=%d",
			report.NoAddress, report.ReadWithoutAt, report.AtWithoutRead, report.ReadBeforeSent)
		if !report.OK() {
			log.Fatal("[verify] integrity violations found")
		}
		return
	}

	start := time.Now()
	if err := migration.Run(db); err != nil {
		log.Fatalf("[migrate] FAILED: %v", err)
	}
	log.Printf("[migrate] Completed in %v", time.Since(start))

	if *seed {
		if err := migration.Seed(db); err != nil {
			log.Fatalf("[seed] FAILED: %v", err)
		}
		log.Println("[seed] Development directory inserted")
	}
}
