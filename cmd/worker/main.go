package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/vaultpay/backend/internal/apperr"
	"github.com/vaultpay/backend/internal/config"
	"github.com/vaultpay/backend/internal/database"
	"github.com/vaultpay/backend/internal/jobs"
	"github.com/vaultpay/backend/internal/models"
	"github.com/vaultpay/backend/internal/provider"
	"github.com/vaultpay/backend/internal/queue"
	"github.com/vaultpay/backend/internal/services"
)

func main() {
	config.Load()

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	jobQueue := queue.New(redisClient)
	xmoney := provider.NewXMoneyClient()
	issuer := provider.NewIssuerClient()

	notificationService := services.NewNotificationService(db)
	ledgerService := services.NewLedgerService(db)
	syncService := services.NewCryptoSyncService(db, xmoney, jobQueue, notificationService)
	webhookService := services.NewWebhookService(db, xmoney, syncService, jobQueue)
	cardSyncService := services.NewCardSyncService(db, issuer)
	feeService := services.NewMonthlyFeeService(db, ledgerService, notificationService)
	reconciliationService := services.NewReconciliationService(db, issuer)
	tierService := services.NewTierService(db)
	sessionTTL := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
	sessionService := services.NewSessionService(redisClient, sessionTTL)
	reportService := services.NewReportService(db)

	runtime := queue.NewRuntime(jobQueue, redisClient, apperr.Retryable)

	handlers := map[string]queue.Handler{
		jobs.QueueTransactionSync: func(ctx context.Context, job *queue.Job) error {
			var p jobs.TransactionSyncPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			if p.CardID != "" {
				return cardSyncService.SyncTransactions(ctx, p.CardID)
			}
			return cardSyncService.SyncAllTransactions(ctx)
		},

		jobs.QueueCardSync: func(ctx context.Context, job *queue.Job) error {
			var p jobs.CardSyncPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			if p.CardID != "" {
				return cardSyncService.SyncCard(ctx, p.CardID)
			}
			return cardSyncService.SyncAllCards(ctx)
		},

		jobs.QueueBalanceReconciliation: func(ctx context.Context, job *queue.Job) error {
			var p jobs.ReconciliationPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			if p.Type == "" {
				p.Type = jobs.ReconciliationFull
			}
			return reconciliationService.Run(ctx, p.Type)
		},

		jobs.QueueWebhookProcessing: func(ctx context.Context, job *queue.Job) error {
			var p jobs.WebhookProcessingPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			_, err := webhookService.Process(ctx, p.Provider, p.EventID, p.EventType, p.Payload, p.Signature)
			return err
		},

		jobs.QueueCryptoOrderSync: func(ctx context.Context, job *queue.Job) error {
			var p jobs.CryptoOrderSyncPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			switch {
			case p.OrderID != "":
				return syncService.SyncOrder(ctx, p.OrderID)
			case p.UserID != 0:
				return syncService.SyncUserOrders(ctx, p.UserID)
			default:
				maxAge := p.MaxAge
				if maxAge == 0 {
					maxAge = 24
				}
				return syncService.SyncAll(ctx, maxAge)
			}
		},

		jobs.QueueCryptoOrderCheck: func(ctx context.Context, job *queue.Job) error {
			var p jobs.CryptoOrderCheckPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			if p.MaxPendingHours == 0 {
				p.MaxPendingHours = viper.GetInt("orders.max_pending_hours")
			}
			if p.MaxOrderAgeDays == 0 {
				p.MaxOrderAgeDays = viper.GetInt("orders.max_age_days")
			}

			if p.CheckStuckOrders {
				if _, err := syncService.CheckStuckOrders(ctx, p.MaxPendingHours); err != nil {
					return err
				}
				if _, err := syncService.RequeueStale(ctx); err != nil {
					return err
				}
			}
			if p.CleanupExpiredOrders {
				if _, err := syncService.CleanupExpired(ctx, p.MaxOrderAgeDays); err != nil {
					return err
				}
			}
			return nil
		},

		jobs.QueueUserBalanceUpdate: func(ctx context.Context, job *queue.Job) error {
			var p jobs.UserBalanceUpdatePayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}

			// Referenced updates are deduped against the ledger itself, so a
			// re-delivered credit for the same order applies once.
			if p.ReferenceType != "" && p.ReferenceID != "" {
				recorded, err := ledgerService.AlreadyRecorded(ctx, p.ReferenceType, p.ReferenceID)
				if err != nil {
					return err
				}
				if recorded {
					log.Printf("[LEDGER] skipping duplicate %s update for %s/%s",
						p.Type, p.ReferenceType, p.ReferenceID)
					return nil
				}
			}

			ledgerType := models.LedgerTypeAdjustment
			if p.Type == services.OperationCredit && p.ReferenceType == "crypto_order" {
				ledgerType = models.LedgerTypeDeposit
			}

			_, err := ledgerService.AdjustBalance(ctx, services.BalanceAdjustment{
				UserID:        p.UserID,
				Amount:        p.Amount,
				Operation:     p.Type,
				Type:          ledgerType,
				ReferenceType: p.ReferenceType,
				ReferenceID:   p.ReferenceID,
				Description:   p.Reason,
			})
			return err
		},

		jobs.QueueMonthlyFee: func(ctx context.Context, job *queue.Job) error {
			var p jobs.MonthlyFeePayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			if p.Type == jobs.MonthlyFeeOneUser {
				_, err := feeService.ProcessUser(ctx, p.UserID)
				return err
			}
			_, err := feeService.ProcessAllUsers(ctx)
			return err
		},

		jobs.QueueTierUpgrade: func(ctx context.Context, job *queue.Job) error {
			var p jobs.TierUpgradePayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			if p.UserID != 0 {
				_, err := tierService.ReassessUser(ctx, p.UserID)
				return err
			}
			_, err := tierService.ReassessAll(ctx)
			return err
		},

		jobs.QueueSessionCleanup: func(ctx context.Context, job *queue.Job) error {
			_, err := sessionService.Cleanup(ctx)
			return err
		},

		jobs.QueueSessionMonitoring: func(ctx context.Context, job *queue.Job) error {
			count, err := sessionService.ActiveCount(ctx)
			if err != nil {
				return err
			}
			log.Printf("[SESSION] %d active operator session(s)", count)
			return nil
		},

		jobs.QueueDailyReports: func(ctx context.Context, job *queue.Job) error {
			var p jobs.DailyReportPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return apperr.Validation(fmt.Sprintf("bad payload: %v", err))
			}
			_, err := reportService.GenerateDaily(ctx, p.ReportDate)
			return err
		},
	}

	for _, cfg := range jobs.Configs() {
		handler, ok := handlers[cfg.Name]
		if !ok {
			log.Fatalf("no handler registered for queue %s", cfg.Name)
		}
		runtime.Register(cfg, handler)
	}

	scheduler := queue.NewScheduler(jobQueue)
	for _, c := range jobs.Cadences() {
		if err := scheduler.Register(c.Queue, c.Pattern, c.Payload); err != nil {
			log.Fatalf("failed to register cadence for %s: %v", c.Queue, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	runtime.Start(ctx)
	scheduler.Start()

	log.Println("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Worker shutting down...")
	scheduler.Stop()
	cancel()
	runtime.Wait()
	log.Println("Worker stopped")
}
