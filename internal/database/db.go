package database

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes a database connection. Postgres DSNs get the postgres
// driver; anything else (a file path or :memory:) is treated as sqlite.
// TranslateError is enabled so uniqueness violations surface as
// gorm.ErrDuplicatedKey on both dialects.
func Connect(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&Supplier{},
		&DisputeCase{},
		&MessageRecord{},
		&ProcessedMessage{},
		&Intake{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// supplierSeed is the YAML shape of the supplier registry file
type supplierSeed struct {
	Suppliers []struct {
		Name   string `yaml:"name"`
		Domain string `yaml:"domain"`
	} `yaml:"suppliers"`
}

// SeedSuppliers loads the supplier registry from a YAML file and upserts each
// entry by domain. Missing file is not an error; suppliers may also be
// provisioned directly in the database.
func SeedSuppliers(db *gorm.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No supplier seed file at %s, skipping", path)
			return nil
		}
		return fmt.Errorf("failed to read supplier seed file: %w", err)
	}

	var seed supplierSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse supplier seed file: %w", err)
	}

	for _, s := range seed.Suppliers {
		domain := strings.ToLower(strings.TrimSpace(s.Domain))
		if domain == "" {
			continue
		}

		var existing Supplier
		result := db.Where("domain = ?", domain).First(&existing)
		if result.Error == nil {
			if existing.Name != s.Name && s.Name != "" {
				if err := db.Model(&existing).Update("name", s.Name).Error; err != nil {
					return err
				}
			}
			continue
		}

		supplier := Supplier{Name: s.Name, Domain: domain}
		if err := db.Create(&supplier).Error; err != nil {
			return fmt.Errorf("failed to seed supplier %s: %w", domain, err)
		}
		log.Printf("Seeded supplier: %s (%s)", s.Name, domain)
	}

	return nil
}
