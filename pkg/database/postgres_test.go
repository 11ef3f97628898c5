package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/sma-finance-api/pkg/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "finance", Password: "secret", Name: "sma_finance", SSLMode: "disable"})
	assert.Equal(t, "host=db port=5432 user=finance password=secret dbname=sma_finance sslmode=disable application_name=sma-finance-api", dsn)
}
