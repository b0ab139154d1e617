// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ses implements a forward.Transport that sends raw MIME through
// AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/hush/relay/internal/forward"
)

// Config holds the SES client settings. Static credentials are optional;
// without them the default AWS credential chain is used.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Timeout         time.Duration
}

// DefaultTimeout bounds one SendEmail call, retries included.
const DefaultTimeout = 30 * time.Second

// SendEmailAPI is the subset of the SES v2 client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends messages through SES.
type Transport struct {
	client  SendEmailAPI
	timeout time.Duration
}

// New loads AWS configuration and creates an SES transport.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	t := NewWithClient(sesv2.NewFromConfig(awsCfg))
	if cfg.Timeout > 0 {
		t.timeout = cfg.Timeout
	}
	return t, nil
}

// NewWithClient creates a transport around an existing client.
func NewWithClient(client SendEmailAPI) *Transport {
	return &Transport{client: client, timeout: DefaultTimeout}
}

// Name returns the transport name.
func (t *Transport) Name() string { return "ses" }

// Send renders msg and submits it as a raw message.
func (t *Transport) Send(ctx context.Context, msg *forward.Message) error {
	raw, err := forward.Render(msg)
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.EnvelopeFrom()),
		Destination: &types.Destination{
			ToAddresses: []string{forward.BareAddress(msg.To)},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send email: %w", err)
	}

	slog.Debug("ses accepted message", "ses_message_id", aws.ToString(out.MessageId))
	return nil
}
