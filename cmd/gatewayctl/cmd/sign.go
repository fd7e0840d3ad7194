package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/signature"
)

// signFlags are shared by sign and send.
type signFlags struct {
	tenant    string
	secret    string
	body      string
	bodyFile  string
	timestamp string
}

func (f *signFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&f.tenant, "tenant", "", "Tenant id")
	c.Flags().StringVar(&f.secret, "secret", "", "Tenant signing secret (default: $GATEWAY_SECRET)")
	c.Flags().StringVar(&f.body, "body", "", "Request body")
	c.Flags().StringVar(&f.bodyFile, "body-file", "", "Read the request body from a file, - for stdin")
	c.Flags().StringVar(&f.timestamp, "timestamp", "", "Timestamp to sign (default: now, RFC 3339 UTC)")
}

// signedRequest is a signed set of authentication headers.
type signedRequest struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Signature string `json:"signature" yaml:"signature"`
	body      []byte
}

// build reads the body and signs it. The body bytes are used exactly as
// read; no trailing newline is trimmed.
func (f *signFlags) build(stdin io.Reader, now time.Time) (signedRequest, error) {
	secret := f.secret
	if secret == "" {
		secret = os.Getenv("GATEWAY_SECRET")
	}
	if secret == "" {
		return signedRequest{}, errors.New("no secret: pass --secret or set GATEWAY_SECRET")
	}

	body := []byte(f.body)
	switch {
	case f.bodyFile != "" && f.body != "":
		return signedRequest{}, errors.New("--body and --body-file are mutually exclusive")
	case f.bodyFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return signedRequest{}, fmt.Errorf("reading stdin: %w", err)
		}
		body = data
	case f.bodyFile != "":
		data, err := os.ReadFile(f.bodyFile)
		if err != nil {
			return signedRequest{}, fmt.Errorf("reading body file: %w", err)
		}
		body = data
	}

	ts := f.timestamp
	if ts == "" {
		ts = now.UTC().Format(time.RFC3339)
	}
	return signedRequest{
		TenantID:  f.tenant,
		Timestamp: ts,
		Signature: signature.Sign([]byte(secret), ts, body),
		body:      body,
	}, nil
}

func newSignCmd(opts *options) *cobra.Command {
	f := &signFlags{}
	c := &cobra.Command{
		Use:   "sign",
		Short: "Print the authentication headers for a request body",
		Example: `  gatewayctl sign --tenant t_abc123 --secret s3cr3t --body '{"name":"Ada"}'
  gatewayctl sign --tenant t_abc123 --body-file submission.json -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sr, err := f.build(cmd.InOrStdin(), time.Now())
			if err != nil {
				return err
			}
			if ok, err := render(cmd.OutOrStdout(), opts.output, sr); ok {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", keyFmt(api.HeaderTenantID), sr.TenantID)
			fmt.Fprintf(out, "%s: %s\n", keyFmt(api.HeaderTimestamp), sr.Timestamp)
			fmt.Fprintf(out, "%s: %s\n", keyFmt(api.HeaderSignature), sr.Signature)
			return nil
		},
	}
	f.register(c)
	c.MarkFlagRequired("tenant")
	return c
}

func newSendCmd(opts *options) *cobra.Command {
	f := &signFlags{}
	var (
		method  string
		timeout time.Duration
		headers []string
	)
	c := &cobra.Command{
		Use:   "send <url>",
		Short: "Sign a body and submit it through the gateway",
		Example: `  gatewayctl send http://localhost:8080/v1/submissions --tenant t_abc123 --secret s3cr3t --body '{"name":"Ada"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sr, err := f.build(cmd.InOrStdin(), time.Now())
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), method, args[0], bytes.NewReader(sr.body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			for _, h := range headers {
				k, v, ok := cutHeader(h)
				if !ok {
					return fmt.Errorf("invalid --header %q: want Name: value", h)
				}
				req.Header.Add(k, v)
			}
			req.Header.Set(api.HeaderTenantID, sr.TenantID)
			req.Header.Set(api.HeaderTimestamp, sr.Timestamp)
			req.Header.Set(api.HeaderSignature, sr.Signature)

			client := &http.Client{Timeout: timeout}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			result := struct {
				Status int    `json:"status" yaml:"status"`
				Body   string `json:"body" yaml:"body"`
			}{resp.StatusCode, string(respBody)}
			if ok, err := render(cmd.OutOrStdout(), opts.output, result); ok {
				return err
			}

			status := okFmt(resp.Status)
			if resp.StatusCode >= 400 {
				status = errFmt(resp.Status)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, status)
			if len(respBody) > 0 {
				out.Write(respBody)
				if respBody[len(respBody)-1] != '\n' {
					fmt.Fprintln(out)
				}
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("request failed with status %d", resp.StatusCode)
			}
			return nil
		},
	}
	f.register(c)
	c.MarkFlagRequired("tenant")
	c.Flags().StringVarP(&method, "method", "X", http.MethodPost, "HTTP method")
	c.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	c.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header, Name: value (repeatable)")
	return c
}

func cutHeader(h string) (string, string, bool) {
	k, v, ok := strings.Cut(h, ":")
	k = strings.TrimSpace(k)
	return k, strings.TrimSpace(v), ok && k != ""
}

func newVerifyCmd(opts *options) *cobra.Command {
	f := &signFlags{}
	var sig string
	c := &cobra.Command{
		Use:   "verify",
		Short: "Check a signature locally",
		Long: `Recompute the signature for a body and timestamp and compare it with
the given one. Only the signature is checked; the timestamp window,
rate limits and lockouts are gateway-side.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.timestamp == "" {
				return errors.New("--timestamp is required")
			}
			sr, err := f.build(cmd.InOrStdin(), time.Now())
			if err != nil {
				return err
			}
			secret := f.secret
			if secret == "" {
				secret = os.Getenv("GATEWAY_SECRET")
			}
			res := signature.Verify([]byte(secret), sr.Timestamp, sr.body, sig)

			result := struct {
				Valid   bool   `json:"valid" yaml:"valid"`
				Failure string `json:"failure,omitempty" yaml:"failure,omitempty"`
			}{Valid: res.OK()}
			if !res.OK() {
				result.Failure = res.Failure.String()
			}
			if ok, err := render(cmd.OutOrStdout(), opts.output, result); ok {
				if err == nil && !res.OK() {
					err = errors.New("signature does not verify")
				}
				return err
			}
			if res.OK() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s signature valid\n", okFmt("✓"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s signature invalid (%s)\n", errFmt("✗"), res.Failure)
			return errors.New("signature does not verify")
		},
	}
	f.register(c)
	c.Flags().StringVar(&sig, "signature", "", "Signature to check")
	return c
}
