package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cybercongress/ibc-history/config"
	"github.com/cybercongress/ibc-history/types"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate"
	migratedb "github.com/golang-migrate/migrate/database"
	"github.com/golang-migrate/migrate/database/mysql"
	"github.com/golang-migrate/migrate/database/postgres"
	"github.com/golang-migrate/migrate/database/sqlite3"
	_ "github.com/golang-migrate/migrate/source/file"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sisu-network/lib/log"
	"go.uber.org/atomic"
)

const transferColumns = "tx_hash, address, source_chain_id, dest_chain_id, source_channel_id, dest_channel_id, " +
	"packet_sequence, sender, recipient, denom, amount, timeout_timestamp, created_at, status"

// Each in-memory database gets its own name so that instances don't share tables.
var inMemoryCounter = atomic.NewInt64(0)

type DefaultDatabase struct {
	cfg *config.Config
	db  *sql.DB
}

type dbLogger struct {
}

func (loggger *dbLogger) Printf(format string, v ...interface{}) {
	log.Infof(strings.TrimRight(format, "\n"), v...)
}

func (loggger *dbLogger) Verbose() bool {
	return true
}

func NewDb(cfg *config.Config) Database {
	return &DefaultDatabase{
		cfg: cfg,
	}
}

func (d *DefaultDatabase) driver() string {
	if d.cfg.InMemory {
		return config.DbDriverSqlite
	}
	if d.cfg.DbDriver == "" {
		return config.DbDriverMysql
	}

	return d.cfg.DbDriver
}

func (d *DefaultDatabase) Connect() error {
	switch d.driver() {
	case config.DbDriverSqlite:
		return d.connectSqlite()
	case config.DbDriverPostgres:
		return d.connectPostgres()
	case config.DbDriverMysql:
		return d.connectMysql()
	default:
		return fmt.Errorf("unsupported db driver %s", d.cfg.DbDriver)
	}
}

func (d *DefaultDatabase) connectMysql() error {
	host := d.cfg.DbHost
	if host == "" {
		return fmt.Errorf("DB host cannot be empty")
	}

	port := d.cfg.DbPort
	username := d.cfg.DbUsername
	password := d.cfg.DbPassword
	schema := d.cfg.DbSchema

	// Connect to the db
	url := fmt.Sprintf("%s:%s@tcp(%s:%d)/", username, password, host, port)
	database, err := sql.Open("mysql", url)
	if err != nil {
		return err
	}
	_, err = database.Exec("CREATE DATABASE IF NOT EXISTS " + schema)
	if err != nil {
		return err
	}
	database.Close()

	database, err = sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", username, password, host, port, schema))
	if err != nil {
		return err
	}

	d.db = database
	log.Info("Db is connected successfully")
	return nil
}

func (d *DefaultDatabase) connectPostgres() error {
	if d.cfg.DbHost == "" {
		return fmt.Errorf("DB host cannot be empty")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		d.cfg.DbHost, d.cfg.DbPort, d.cfg.DbUsername, d.cfg.DbPassword, d.cfg.DbSchema)
	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return err
	}

	d.db = database
	log.Info("Db is connected successfully")
	return nil
}

func (d *DefaultDatabase) connectSqlite() error {
	name := d.cfg.DbSchema
	if name == "" {
		name = "ibc-history"
	}
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", name, inMemoryCounter.Inc())

	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return err
	}
	// The in-memory database lives as long as one connection to it does.
	database.SetMaxOpenConns(1)
	database.SetConnMaxLifetime(0)

	d.db = database
	log.Info("In-memory db is created")
	return nil
}

func (d *DefaultDatabase) DoMigration() error {
	var (
		driver migratedb.Driver
		err    error
	)

	dialect := d.driver()
	switch dialect {
	case config.DbDriverSqlite:
		driver, err = sqlite3.WithInstance(d.db, &sqlite3.Config{})
	case config.DbDriverPostgres:
		driver, err = postgres.WithInstance(d.db, &postgres.Config{})
	default:
		driver, err = mysql.WithInstance(d.db, &mysql.Config{})
	}
	if err != nil {
		return err
	}

	dir, err := MigrationsTempDir(dialect)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, dialect, driver)
	if err != nil {
		return err
	}

	m.Log = &dbLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func (d *DefaultDatabase) Init() error {
	err := d.Connect()
	if err != nil {
		log.Error("Failed to connect to DB. Err =", err)
		return err
	}

	return d.DoMigration()
}

func (d *DefaultDatabase) Close() error {
	if d.db == nil {
		return nil
	}

	return d.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (d *DefaultDatabase) rebind(query string) string {
	if d.driver() != config.DbDriverPostgres {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}

	return sb.String()
}

func (d *DefaultDatabase) insertIgnore(table, columns string, n int) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")

	switch d.driver() {
	case config.DbDriverSqlite:
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, columns, placeholders)
	case config.DbDriverPostgres:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, columns, placeholders)
	default:
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, placeholders)
	}
}

func (d *DefaultDatabase) AddTransfer(record *types.TransferRecord) error {
	if !record.Status.IsValid() {
		return fmt.Errorf("invalid transfer status %q", record.Status)
	}

	query := d.rebind(d.insertIgnore("transfers", transferColumns, 14))
	_, err := d.db.Exec(query,
		record.TxHash, record.Address, record.SourceChainId, record.DestChainId,
		record.SourceChannelId, record.DestChannelId, record.Sequence, record.Sender, record.Recipient,
		record.Amount.Denom, record.Amount.Amount, record.TimeoutTimestamp, record.CreatedAt, string(record.Status),
	)

	return err
}

func (d *DefaultDatabase) QueryTransfers(address string) ([]*types.TransferRecord, error) {
	rows, err := d.db.Query(d.rebind("SELECT "+transferColumns+" FROM transfers WHERE address = ? ORDER BY id"), address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*types.TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (d *DefaultDatabase) GetTransfer(txHash string) (*types.TransferRecord, error) {
	rows, err := d.db.Query(d.rebind("SELECT "+transferColumns+" FROM transfers WHERE tx_hash = ?"), txHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	return scanTransfer(rows)
}

func (d *DefaultDatabase) UpdateTransferStatus(txHash string, status types.TransferStatus) (bool, error) {
	qualified := types.QualifiedStatesTo(status)
	if len(qualified) == 0 {
		return false, fmt.Errorf("invalid transfer status %q", status)
	}

	args := []interface{}{string(status), txHash, string(status)}
	for _, s := range qualified {
		args = append(args, string(s))
	}
	query := "UPDATE transfers SET status = ? WHERE tx_hash = ? AND status <> ? AND status IN (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(qualified)), ", ") + ")"

	result, err := d.db.Exec(d.rebind(query), args...)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func scanTransfer(rows *sql.Rows) (*types.TransferRecord, error) {
	record := &types.TransferRecord{}
	var status string
	err := rows.Scan(
		&record.TxHash, &record.Address, &record.SourceChainId, &record.DestChainId,
		&record.SourceChannelId, &record.DestChannelId, &record.Sequence, &record.Sender, &record.Recipient,
		&record.Amount.Denom, &record.Amount.Amount, &record.TimeoutTimestamp, &record.CreatedAt, &status,
	)
	if err != nil {
		return nil, err
	}
	record.Status = types.TransferStatus(status)

	return record, nil
}
