package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/codeGROOVE-dev/retry"
)

// SESAPI is the subset of the SES v2 client the provider uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends emails via Amazon SES v2.
type SESProvider struct {
	client   SESAPI
	logger   *slog.Logger
	fromAddr string
	fromName string
}

// NewSESProvider creates an SES provider around an existing client.
func NewSESProvider(client SESAPI, fromAddr, fromName string, logger *slog.Logger) *SESProvider {
	return &SESProvider{
		client:   client,
		fromAddr: fromAddr,
		fromName: fromName,
		logger:   logger,
	}
}

// NewSESClient builds an SES v2 client. Static credentials are used when
// given, otherwise the default AWS credential chain applies.
func NewSESClient(ctx context.Context, region, accessKey, secretKey string) (*sesv2.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

// Send sends an email via SES.
func (s *SESProvider) Send(ctx context.Context, msg *Message) error {
	from := s.fromAddr
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", sanitizeEmailHeader(s.fromName), s.fromAddr)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			out, err := s.client.SendEmail(ctx, input)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("SES send failed, will retry",
					"to", msg.To,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			s.logger.Info("SES request completed",
				"to", msg.To,
				"message_id", aws.ToString(out.MessageId),
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying SES email send after error", "attempt", n, "error", err)
		}),
	)
}
