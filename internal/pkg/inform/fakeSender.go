package inform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jordan-wright/email"
	"github.com/spf13/viper"
)

// FakeEmailSender posts the email as JSON to smtp.fakeUrl instead of sending it
type FakeEmailSender struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewFakeEmailSender initiates email sender
func NewFakeEmailSender(c *viper.Viper) (*FakeEmailSender, error) {
	res := &FakeEmailSender{url: c.GetString("smtp.fakeUrl"), client: &http.Client{}, timeout: 5 * time.Second}
	if res.url == "" {
		return nil, fmt.Errorf("no URL")
	}
	goapp.Log.Info().Str("URL", res.url).Msg("fake email sender")
	return res, nil
}

// Send posts the email
func (s *FakeEmailSender) Send(email *email.Email) error {
	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("can't marshal email: %w", err)
	}
	ctx, cancelF := context.WithTimeout(context.Background(), s.timeout)
	defer cancelF()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("can't invoke '%s': %w", s.url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		return fmt.Errorf("can't invoke '%s': %w", s.url, err)
	}
	return nil
}
