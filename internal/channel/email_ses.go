package channel

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAdapter sends email through SES v2. Throttling and service errors
// come back as transient; rejections and bad requests as permanent.
type SESAdapter struct {
	client *sesv2.Client
}

// NewSESAdapter builds the adapter with static credentials.
func NewSESAdapter(ctx context.Context, region, accessKey, secretKey string) (*SESAdapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SESAdapter{client: sesv2.NewFromConfig(cfg)}, nil
}

// Dispatch sends one email. The returned ExternalRef is the SES MessageId.
func (a *SESAdapter) Dispatch(ctx context.Context, msg *Message) (*Result, error) {
	from := msg.SenderEmail
	if msg.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", msg.SenderName, msg.SenderEmail)
	}

	body := &types.Body{}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody)}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody)}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("enrollment_id"), Value: aws.String(msg.EnrollmentID)},
			{Name: aws.String("recipient_id"), Value: aws.String(msg.RecipientID)},
		},
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		status, detail := classifySESError(err)
		log.Printf("[SESAdapter] send failed enrollment=%s: %v", msg.EnrollmentID, err)
		return &Result{Status: status, Detail: detail}, nil
	}

	ref := ""
	if out.MessageId != nil {
		ref = *out.MessageId
	}
	return &Result{Status: StatusSent, ExternalRef: ref}, nil
}

func classifySESError(err error) (Status, string) {
	var (
		rejected  *types.MessageRejected
		suspended *types.AccountSuspendedException
		paused    *types.SendingPausedException
		badReq    *types.BadRequestException
		notFound  *types.NotFoundException
		throttled *types.TooManyRequestsException
		limited   *types.LimitExceededException
	)
	switch {
	case errors.As(err, &rejected):
		return StatusPermanentFailure, "message rejected: " + rejected.ErrorMessage()
	case errors.As(err, &suspended):
		return StatusPermanentFailure, "account suspended"
	case errors.As(err, &paused):
		return StatusPermanentFailure, "sending paused for account"
	case errors.As(err, &badReq):
		return StatusPermanentFailure, "bad request: " + badReq.ErrorMessage()
	case errors.As(err, &notFound):
		return StatusPermanentFailure, "resource not found: " + notFound.ErrorMessage()
	case errors.As(err, &throttled):
		return StatusTransientFailure, "throttled by provider"
	case errors.As(err, &limited):
		return StatusTransientFailure, "provider limit exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTransientFailure, "send timed out"
	default:
		return StatusTransientFailure, err.Error()
	}
}
