package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"runtime/debug"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/uma-arai/sbcntr-reminder/internal/common/config"
	"github.com/uma-arai/sbcntr-reminder/internal/common/utils"
	"github.com/uma-arai/sbcntr-reminder/internal/metrics"
	"github.com/uma-arai/sbcntr-reminder/internal/service/batch"
)

const (
	projectName = "sbcntr-reminder"
)

func main() {
	// コマンドライン引数のパース
	once := flag.Bool("once", false, "1回だけtickを実行して終了する(Step Functionsから起動する場合)")
	timeout := flag.Duration("timeout", 0, "1回のtickのタイムアウト時間(0の場合は設定値を使用)")
	flag.Parse()

	// -once の場合は最後の引数として渡されたタスクトークンを取得
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken := ""
	if *once {
		taskToken = "DUMMY_TASK_TOKEN"
		if os.Getenv("ENV") != "LOCAL" {
			if flag.NArg() == 0 {
				log.Fatalf("Task token is required")
			}
			taskToken = flag.Arg(flag.NArg() - 1)
		}
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	tickTimeout := cfg.Reminder.Timeout
	if *timeout > 0 {
		tickTimeout = *timeout
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := xray.Configure(xray.Config{
			DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
			ServiceVersion: "1.0.0",
		}); err != nil {
			log.Printf("Failed to configure X-Ray: %v", err)
			// X-Ray設定失敗時はデフォルトの設定を使用
			if configErr := xray.Configure(xray.Config{}); configErr != nil {
				log.Fatalf("Failed to configure default X-Ray settings: %v", configErr)
			}
		}
		os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Address)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("Failed to shutdown metrics server: %v", err)
			}
		}()
	}

	// Step Functionsクライアントの初期化
	var reporter batch.TaskReporter
	if *once && os.Getenv("ENV") != "LOCAL" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
		}
		reporter = sfn.NewFromConfig(awsCfg)
	}

	// サービスの初期化。テーブル構成が一致しない場合はここで終了する
	service, err := batch.NewReminderBatchService(cfg, m, reporter)
	if err != nil {
		if reporter != nil {
			if sfnErr := batch.SendTaskFailure(context.Background(), reporter, taskToken, err); sfnErr != nil {
				log.Printf("Failed to send task failure: %v", sfnErr)
			}
		}
		log.Fatalf("Failed to create service: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer service.Close()

	if *once {
		if err := runOnce(cfg, service, reporter, tickTimeout); err != nil {
			service.Close()
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(cfg, service, tickTimeout); err != nil {
		log.Printf("Reminder daemon failed: %v", err)
		service.Close()
		os.Exit(1)
	}
}

// runOnce は1回だけtickを実行し、結果をStep Functionsに通知します
func runOnce(cfg *config.Config, service *batch.ReminderBatchService, reporter batch.TaskReporter, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		// セグメントにメタデータを追加
		if err := seg.AddMetadata("task_token", cfg.SFN.TaskToken); err != nil {
			log.Printf("Failed to add task_token metadata: %v", err)
		}
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	// シグナルハンドリングの設定
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, timeout, service.RunOnce)
	}()

	// シグナルまたはエラーの待機
	if err := waitTick(sigChan, errChan, cancel); err != nil {
		log.Printf("Batch process failed: %v", err)

		// ローカル環境以外の場合のみStep Functionsのエラー通知を行う
		if sfnErr := batch.SendTaskFailure(context.WithoutCancel(ctx), reporter, cfg.SFN.TaskToken, err); sfnErr != nil {
			log.Printf("Failed to send task failure: %v\nStack trace:\n%s", sfnErr, debug.Stack())
		}
		return err
	}
	log.Println("Batch process completed successfully")
	return nil
}

// waitTick はtickの終了を待ちます
// シグナルを受け取った場合はキャンセルした上でtickが戻るまで待つので、送信と記録の途中でDBを閉じることはない
func waitTick(sigChan <-chan os.Signal, errChan <-chan error, cancel context.CancelFunc) error {
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
		return errors.Join(fmt.Errorf("interrupted by signal %v", sig), <-errChan)
	case err := <-errChan:
		return err
	}
}

// runDaemon は一定間隔でtickを実行し、シグナルを受け取るまで常駐します
func runDaemon(cfg *config.Config, service *batch.ReminderBatchService, timeout time.Duration) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	logger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithLocation(loc), cron.WithLogger(logger))

	// 前回のtickが終わっていない場合はスキップする
	reminderJob := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).
		Then(cron.FuncJob(func() { runTick(cfg, "reminder", timeout, service.Run) }))
	if _, err := c.AddJob(fmt.Sprintf("@every %s", cfg.Reminder.Interval), reminderJob); err != nil {
		return fmt.Errorf("failed to schedule reminder tick: %w", err)
	}

	if cfg.Digest.Enabled {
		digest := service.Digest()
		digestJob := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).
			Then(cron.FuncJob(func() { runTick(cfg, "digest", timeout, digest.Run) }))
		if _, err := c.AddJob(cfg.Digest.Schedule, digestJob); err != nil {
			return fmt.Errorf("failed to schedule digest: %w", err)
		}
		log.Printf("Digest scheduled (%s, %s)", cfg.Digest.Schedule, loc)
	}

	// 起動直後に1回実行する
	var initial sync.WaitGroup
	initial.Add(1)
	go func() {
		defer initial.Done()
		reminderJob.Run()
	}()

	c.Start()
	log.Printf("Reminder scanner started. interval=%s window=%s", cfg.Reminder.Interval, cfg.Reminder.Window)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal: %v", sig)

	// 実行中のtickの完了を待つ
	<-c.Stop().Done()
	initial.Wait()
	log.Println("Reminder scanner stopped")
	return nil
}

// runTick は1つのジョブをX-Rayセグメントとタイムアウト付きで実行します
// タイムアウト後もジョブが戻るまで戻らないため、SkipIfStillRunningで次のtickと重ならない
func runTick(cfg *config.Config, name string, timeout time.Duration, fn func(context.Context) error) {
	ctx := context.Background()
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName+"-"+name)
		defer seg.Close(nil)
	}

	if err := utils.RunWithTimeout(ctx, timeout, fn); err != nil {
		log.Printf("%s job failed: %v", name, err)
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()
	log.Printf("Serving metrics on %s/metrics", addr)
	return srv
}
