package fetch

import (
	"context"
	"os"
	"testing"
	"time"

	"webshield/internal/listparser"
)

func Test_PublicHostsListReachable(t *testing.T) {
	if os.Getenv("WEBSHIELD_INTEGRATION") != "1" {
		t.Skip("integration test is disabled, set WEBSHIELD_INTEGRATION=1 to run")
	}

	listURL := os.Getenv("WEBSHIELD_TEST_LIST")
	if listURL == "" {
		listURL = "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts"
	}

	client := New(Options{Timeout: 30 * time.Second, Backoff: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	body, err := client.Get(ctx, listURL, 3)
	if err != nil {
		t.Fatalf("failed to fetch %s: %v", listURL, err)
	}
	defer body.Close()

	sc := listparser.NewScanner(body, listparser.Options{})
	n := 0
	for sc.Scan() {
		if sc.Candidate() != "" {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("reading %s: %v", listURL, err)
	}
	if n == 0 {
		t.Logf("warning: %s yielded 0 domains from %d lines; maybe the list format changed", listURL, sc.Lines())
	}
}
