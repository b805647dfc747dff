package database

import (
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

func TestDatabase(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Database Suite")
}

var _ = Describe("Database Configuration", func() {
	Describe("DefaultConfig", func() {
		It("should return correct default values", func() {
			config := DefaultConfig()

			Expect(config.Path).To(Equal("flashcards.db"))
			Expect(config.MaxOpenConns).To(Equal(4))
			Expect(config.MaxIdleConns).To(Equal(2))
			Expect(config.ConnMaxLifetime).To(Equal(30 * time.Minute))
			Expect(config.ConnMaxIdleTime).To(Equal(5 * time.Minute))
			Expect(config.BusyTimeoutMs).To(Equal(5000))
		})
	})

	Describe("LoadFromEnv", func() {
		var config *Config
		var originalPath string

		BeforeEach(func() {
			config = DefaultConfig()
			originalPath = os.Getenv("FLASHCARD_DB_PATH")
		})

		AfterEach(func() {
			os.Setenv("FLASHCARD_DB_PATH", originalPath)
		})

		It("should override the path when FLASHCARD_DB_PATH is set", func() {
			os.Setenv("FLASHCARD_DB_PATH", "/tmp/override.db")
			config.LoadFromEnv()
			Expect(config.Path).To(Equal("/tmp/override.db"))
		})

		It("should leave the default path untouched when unset", func() {
			os.Unsetenv("FLASHCARD_DB_PATH")
			config.LoadFromEnv()
			Expect(config.Path).To(Equal("flashcards.db"))
		})
	})

	Describe("Validate", func() {
		It("should reject an empty path", func() {
			config := DefaultConfig()
			config.Path = ""
			Expect(config.Validate()).To(HaveOccurred())
		})

		It("should reject a non-positive max open connections", func() {
			config := DefaultConfig()
			config.MaxOpenConns = 0
			Expect(config.Validate()).To(HaveOccurred())
		})

		It("should reject a negative max idle connections", func() {
			config := DefaultConfig()
			config.MaxIdleConns = -1
			Expect(config.Validate()).To(HaveOccurred())
		})

		It("should accept the defaults", func() {
			Expect(DefaultConfig().Validate()).NotTo(HaveOccurred())
		})
	})

	Describe("DSN", func() {
		It("should include WAL journaling, foreign keys, and the busy timeout", func() {
			config := DefaultConfig()
			config.Path = "test.db"
			config.BusyTimeoutMs = 2500

			dsn := config.DSN()
			Expect(dsn).To(ContainSubstring("test.db"))
			Expect(dsn).To(ContainSubstring("_journal_mode=WAL"))
			Expect(dsn).To(ContainSubstring("_foreign_keys=on"))
			Expect(dsn).To(ContainSubstring("_busy_timeout=2500"))
		})
	})

	Describe("Connect", func() {
		It("should reject an invalid configuration before touching the driver", func() {
			config := DefaultConfig()
			config.Path = ""

			logger := logrus.New()
			logger.SetLevel(logrus.FatalLevel)

			_, err := Connect(config, logger)
			Expect(err).To(HaveOccurred())
		})
	})

	// This exercises the pool-settings call path (the part of Connect
	// that runs after a successful open) against a sqlmock driver,
	// without touching a real sqlite file.
	Describe("pool settings", func() {
		It("applies the configured pool limits to any *sqlx.DB", func() {
			mockDB, mock, err := sqlmock.New()
			Expect(err).NotTo(HaveOccurred())
			defer mockDB.Close()
			mock.ExpectPing()

			db := sqlx.NewDb(mockDB, "sqlmock")
			config := DefaultConfig()

			db.SetMaxOpenConns(config.MaxOpenConns)
			db.SetMaxIdleConns(config.MaxIdleConns)
			db.SetConnMaxLifetime(config.ConnMaxLifetime)
			db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

			Expect(db.Ping()).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
