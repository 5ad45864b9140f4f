package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uma-arai/sbcntr-reminder/internal/common/config"
	"github.com/uma-arai/sbcntr-reminder/internal/common/utils"
	"github.com/uma-arai/sbcntr-reminder/internal/metrics"
	"github.com/uma-arai/sbcntr-reminder/internal/service/batch"
)

const (
	projectName = "sbcntr-reminder-digest"
)

// 管理者向けに当日の予約一覧を1回送信して終了します
// 常駐プロセスで送る場合は reminder の DIGEST_ENABLED を使います
func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", time.Minute, "バッチ処理のタイムアウト時間")
	flag.Parse()

	// 設定の読み込み
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := xray.Configure(xray.Config{
			DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
			ServiceVersion: "1.0.0",
		}); err != nil {
			log.Printf("Failed to configure X-Ray: %v", err)
			if configErr := xray.Configure(xray.Config{}); configErr != nil {
				log.Fatalf("Failed to configure default X-Ray settings: %v", configErr)
			}
		}
		os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	}

	// ダイジェストサービスを作成
	service, err := batch.NewDigestBatchService(cfg, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		log.Fatalf("Failed to create digest batch service: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer service.Close()

	// コンテキストを作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)
	}

	// シグナルハンドリング
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, *timeout, service.Run)
	}()

	// シグナルを待機
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
		// 送信中の処理が戻るまで接続を閉じない
		if err := <-errChan; err != nil {
			log.Printf("Digest batch interrupted: %v", err)
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Digest batch failed: %v", err)
			service.Close()
			os.Exit(1)
		}
		log.Println("Digest batch completed successfully")
	}
}
