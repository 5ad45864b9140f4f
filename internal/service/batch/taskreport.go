package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
)

// TaskReporter はStep Functionsへのタスク結果通知です
// *sfn.Client が実装しています
type TaskReporter interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、tickの結果を返却します
func sendTaskSuccess(ctx context.Context, reporter TaskReporter, taskToken string, summary TickSummary) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if os.Getenv("ENV") == "LOCAL" || reporter == nil {
		log.Printf("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	if taskToken == "" {
		return fmt.Errorf("SFN task token is not set in config")
	}

	output, err := json.Marshal(map[string]any{
		"reminders": summary,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tick summary: %w", err)
	}

	// SendTaskSuccess APIを呼び出す
	input := &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	}

	if _, err := reporter.SendTaskSuccess(ctx, input); err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.Printf("Successfully sent task success with summary: %s", string(output))
	return nil
}

// SendTaskFailure はStep Functionsにタスク失敗を通知します
func SendTaskFailure(ctx context.Context, reporter TaskReporter, taskToken string, cause error) error {
	if os.Getenv("ENV") == "LOCAL" || reporter == nil {
		return nil
	}

	input := &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String("Reminder batch failed"),
	}
	if cause != nil {
		// Causeは最大32768文字
		msg := cause.Error()
		if len(msg) > 32768 {
			msg = msg[:32768]
		}
		input.Cause = aws.String(msg)
	}

	if _, err := reporter.SendTaskFailure(ctx, input); err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}
