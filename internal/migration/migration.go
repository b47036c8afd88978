package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	invoicedomain "github.com/smallbiznis/tallybill/internal/invoice/domain"
	notificationdomain "github.com/smallbiznis/tallybill/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/tallybill/internal/payment/domain"
	profiledomain "github.com/smallbiznis/tallybill/internal/profile/domain"
	tenantdomain "github.com/smallbiznis/tallybill/internal/tenant/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations, including the
// record_pending_payment function used by legacy checkout.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists the tables owned by this service, in dependency order.
func Models() []any {
	return []any{
		&tenantdomain.Tenant{},
		&profiledomain.Profile{},
		&invoicedomain.Client{},
		&invoicedomain.Invoice{},
		&paymentdomain.Payment{},
		&notificationdomain.Entry{},
	}
}

// AutoMigrate creates the schema on stores the SQL migrations do not target.
// There is no record_pending_payment there, so legacy checkout takes the
// direct-insert path.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// MySQL has no partial indexes; there the settle path's HasSucceeded
	// check under the row lock is the only guard.
	if conn.Dialector.Name() == "sqlite" {
		return conn.Exec(successIndexSQL).Error
	}
	return nil
}

const successIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS ux_payments_one_success_per_invoice
	ON payments (invoice_id) WHERE status = 'succeeded'`
