// Package migrations 管理學習大廳的 PostgreSQL schema
//
// 遷移檔嵌入在執行檔中：
//   - 000001 users：使用者顯示資訊，供快取載入
//   - 000002 study_sessions：學習紀錄，排行榜同步的權威來源
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migrator 管理資料庫遷移
type Migrator struct {
	migrate *migrate.Migrate
	source  source.Driver
	logger  *slog.Logger
}

// New 建立遷移管理器，databaseURL 需為 postgres:// 形式
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{
		migrate: m,
		source:  src,
		logger:  logger,
	}, nil
}

// Latest 嵌入檔案中的最新版本
func (m *Migrator) Latest() (uint, error) {
	version, err := m.source.First()
	if err != nil {
		return 0, fmt.Errorf("讀取遷移檔失敗: %w", err)
	}
	for {
		next, err := m.source.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("讀取遷移檔失敗: %w", err)
		}
		version = next
	}
}

// current 目前版本，尚未遷移時為 0
func (m *Migrator) current() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("獲取當前版本失敗: %w", err)
	}
	return version, dirty, nil
}

// Up 執行所有待處理的遷移，並記錄套用的版本範圍
func (m *Migrator) Up() error {
	from, dirty, err := m.current()
	if err != nil {
		return err
	}

	if dirty {
		// 上次遷移中斷：標回前一個乾淨版本後重跑
		m.logger.Warn("資料庫處於髒狀態，嘗試修復", "version", from)
		clean := int(from) - 1
		if clean < 1 {
			clean = database.NilVersion
		}
		if err := m.migrate.Force(clean); err != nil {
			return fmt.Errorf("修復髒狀態失敗: %w", err)
		}
		from = 0
		if clean > 0 {
			from = uint(clean)
		}
	}

	latest, err := m.Latest()
	if err != nil {
		return err
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("資料庫已是最新版本", "version", from)
			return nil
		}
		return fmt.Errorf("執行遷移失敗: %w", err)
	}

	to, _, err := m.current()
	if err != nil {
		return err
	}
	m.logger.Info("資料庫遷移成功",
		"from_version", from,
		"to_version", to,
		"applied", to-from,
		"latest", latest)
	return nil
}

// Down 回滾一個版本
func (m *Migrator) Down() error {
	from, _, err := m.current()
	if err != nil {
		return err
	}

	if err := m.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, fs.ErrNotExist) {
			m.logger.Info("沒有可回滾的版本")
			return nil
		}
		return fmt.Errorf("回滾失敗: %w", err)
	}

	to, _, err := m.current()
	if err != nil {
		return err
	}
	m.logger.Info("資料庫回滾成功", "from_version", from, "to_version", to)
	return nil
}

// Version 獲取當前版本
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Pending 尚未套用的版本數
func (m *Migrator) Pending() (uint, error) {
	latest, err := m.Latest()
	if err != nil {
		return 0, err
	}
	current, _, err := m.current()
	if err != nil {
		return 0, err
	}
	if current >= latest {
		return 0, nil
	}
	// 版本號連續編號
	return latest - current, nil
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}
