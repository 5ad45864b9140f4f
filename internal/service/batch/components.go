package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/redis/go-redis/v9"
	"github.com/uma-arai/sbcntr-reminder/internal/common/config"
	"github.com/uma-arai/sbcntr-reminder/internal/common/database"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/notifier"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
)

// schemaCheckTimeout は起動時のスキーマ確認のタイムアウトです
const schemaCheckTimeout = 10 * time.Second

// components はリマインドとダイジェストで共有する依存です
type components struct {
	db              *database.DB
	redis           *redis.Client
	appointmentRepo repository.AppointmentRepository
	serviceRepo     repository.ServiceRepository
	sender          notifier.Sender
	locker          repository.TickLocker
}

func newComponents(cfg *config.Config) (*components, error) {
	db, err := database.NewDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	// database.DBをrepository.DBに変換
	repoDb := &repository.DB{DB: db.DB}

	c := &components{db: db, locker: repository.NoopTickLocker{}}

	appointmentRepo, err := repository.NewAppointmentRepository(repoDb, cfg.Columns)
	if err != nil {
		c.close()
		return nil, err
	}
	c.appointmentRepo = appointmentRepo

	// スキーマ不一致は起動時に致命的エラーとする
	ctx, cancel := context.WithTimeout(context.Background(), schemaCheckTimeout)
	defer cancel()
	if err := appointmentRepo.VerifySchema(ctx); err != nil {
		c.close()
		return nil, err
	}

	if cfg.Columns.ServiceID != "" {
		serviceRepo, err := repository.NewServiceRepository(repoDb, cfg.ServiceTable)
		if err != nil {
			c.close()
			return nil, err
		}
		c.serviceRepo = serviceRepo
	}

	sender, err := notifier.New(cfg.Notifier, repository.NewNotificationRepository(repoDb))
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to create %s sender: %w", cfg.Notifier.Channel, err)
	}
	c.sender = sender

	if cfg.Redis.Address != "" {
		c.redis = repository.NewRedisClient(cfg.Redis)
		if err := repository.PingRedis(ctx, c.redis); err != nil {
			c.close()
			return nil, err
		}
		c.locker = repository.NewRedisTickLocker(c.redis)
		log.Printf("Redis tick lock enabled (%s)", cfg.Redis.Address)
	}

	return c, nil
}

func (c *components) close() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

// fillServiceNames はservice_nameが取得できていない予約のサービス名をservice_idから補完します
// N+1とならないように重複がないサービスIDごとに1回だけ取得します
func fillServiceNames(ctx context.Context, repo repository.ServiceRepository, appointments []model.Appointment) error {
	if repo == nil || len(appointments) == 0 {
		return nil
	}

	ctx, seg := xray.BeginSubsegment(ctx, "fillServiceNames")
	defer seg.Close(nil)

	names := make(map[string]string)
	for _, a := range appointments {
		if a.ServiceName.Valid || !a.ServiceID.Valid {
			continue
		}
		if _, ok := names[a.ServiceID.String]; ok {
			continue
		}

		name, err := repo.GetNameByID(ctx, a.ServiceID.String)
		if err != nil {
			if repository.IsConnectionError(err) {
				seg.Close(err)
				return err
			}
			// サービス名はなくても送信できるので代替表記で続行する
			log.Printf("Failed to get service name for service %s: %v", a.ServiceID.String, err)
			name = ""
		}
		names[a.ServiceID.String] = name
	}

	for i := range appointments {
		a := &appointments[i]
		if a.ServiceName.Valid || !a.ServiceID.Valid {
			continue
		}
		if name := names[a.ServiceID.String]; name != "" {
			a.ServiceName = sql.NullString{String: name, Valid: true}
		}
	}
	return nil
}
