// Command webhook_replay fires concurrent signed APPROVED deliveries for one
// payment link at a running server and reports how many grants the order
// ended up with.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/rl1809/asset-store/internal/core/service"
)

type options struct {
	baseURL    string
	secret     string
	paymentRef string
	token      string
	method     string
	requests   int
	distinct   bool
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "webhook_replay",
		Short:        "Send concurrent signed payment webhooks to a running server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.secret, "secret", os.Getenv("ASSETSTORE_PAYMENT_WEBHOOK_SECRET"), "webhook signing secret")
	cmd.Flags().StringVar(&opts.paymentRef, "ref", "", "payment link id the order was attached to")
	cmd.Flags().StringVar(&opts.token, "token", "", "order download token, used to count grants afterwards")
	cmd.Flags().StringVar(&opts.method, "method", "CARD", "payment method type to report")
	cmd.Flags().IntVarP(&opts.requests, "requests", "n", 50, "number of deliveries")
	cmd.Flags().BoolVar(&opts.distinct, "distinct", false, "use a different transaction id per delivery")
	cmd.MarkFlagRequired("ref")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.secret == "" {
		return fmt.Errorf("a webhook secret is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var okCount, failCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < opts.requests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			txID := "replay-tx"
			if opts.distinct {
				txID = fmt.Sprintf("replay-tx-%d", n)
			}
			status, err := deliver(client, opts, txID)
			if err == nil && status == http.StatusOK {
				okCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== WEBHOOK REPLAY RESULTS ==========")
	fmt.Printf("Payment Ref:      %s\n", opts.paymentRef)
	fmt.Printf("Deliveries:       %d\n", opts.requests)
	fmt.Printf("Acknowledged:     %d\n", okCount.Load())
	fmt.Printf("Failed:           %d\n", failCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("============================================")

	if opts.token == "" {
		return nil
	}

	grants, err := countDownloads(client, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Downloads:        %d\n", grants)
	if grants == 0 {
		fmt.Println("FAIL: order has no downloads after an approved payment")
	} else {
		fmt.Println("PASS: order is paid and has one grant per item")
	}
	return nil
}

func deliver(client *http.Client, opts options, txID string) (int, error) {
	body, err := json.Marshal(map[string]any{
		"event": "transaction.updated",
		"data": map[string]any{
			"transaction": map[string]any{
				"id":              txID,
				"status":          "APPROVED",
				"payment_link_id": opts.paymentRef,
				"payment_method":  map[string]string{"type": opts.method},
			},
		},
	})
	if err != nil {
		return 0, err
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, opts.baseURL+"/api/payments/wompi/webhook", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", service.SignWebhook([]byte(opts.secret), body, ts))

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func countDownloads(client *http.Client, opts options) (int, error) {
	resp, err := client.Get(opts.baseURL + "/api/downloads?token=" + opts.token)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("list downloads: status %d", resp.StatusCode)
	}
	var out struct {
		Downloads []json.RawMessage `json:"downloads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return len(out.Downloads), nil
}
