package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"MailSpool/internal/csvparser"
	"MailSpool/internal/db"
	"MailSpool/internal/models"
)

const maxCSVRows = 1000

// File is the YAML seed layout.
type File struct {
	Accounts []models.EmailAccount `yaml:"accounts"`
}

type AccountCreator interface {
	CreateAccount(ctx context.Context, a *models.EmailAccount) (bool, error)
}

// Load reads accounts from a .yaml/.yml or .csv file.
func Load(path string) ([]models.EmailAccount, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse seed file: %w", err)
		}
		if len(f.Accounts) == 0 {
			return nil, fmt.Errorf("seed file %s has no accounts", path)
		}
		for i := range f.Accounts {
			a := &f.Accounts[i]
			if a.Alias == "" || a.Email == "" {
				return nil, fmt.Errorf("seed file %s: account %d needs alias and email", path, i+1)
			}
			a.Encryption = strings.ToLower(a.Encryption)
			a.ApplyDefaults()
		}
		return f.Accounts, nil

	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		defer f.Close()

		accounts, err := csvparser.ParseAccountRows(f, maxCSVRows)
		if err != nil {
			return nil, fmt.Errorf("parse seed file: %w", err)
		}
		return accounts, nil

	default:
		return nil, fmt.Errorf("unsupported seed file %s: want .yaml, .yml or .csv", path)
	}
}

// Apply inserts every account whose alias is not yet present and returns
// how many were created. Existing accounts are left untouched.
func Apply(ctx context.Context, store AccountCreator, accounts []models.EmailAccount, logger *zap.Logger) (int, error) {
	created := 0
	for i := range accounts {
		a := accounts[i]
		ok, err := store.CreateAccount(ctx, &a)
		if err != nil {
			return created, fmt.Errorf("create account %s: %w", a.Alias, err)
		}
		if !ok {
			logger.Info("account already exists, skipping", zap.String("alias", a.Alias))
			continue
		}
		logger.Info("account created", zap.String("alias", a.Alias), zap.String("email", a.Email))
		created++
	}
	return created, nil
}

// Bootstrap fills an in-memory store from path. The memory backend starts
// without accounts, so it has to be seeded by the process that uses it.
// Any other databaseURL is left alone.
func Bootstrap(ctx context.Context, databaseURL, path string, store AccountCreator, logger *zap.Logger) (int, error) {
	if databaseURL != db.MemoryURL {
		return 0, nil
	}

	accounts, err := Load(path)
	if err != nil {
		return 0, err
	}
	return Apply(ctx, store, accounts, logger)
}
