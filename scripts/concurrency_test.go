//go:build ignore
// +build ignore

// Package main is a manual stress test for concurrent borrowing.
//
// Usage:
//
//	go run ./scripts/concurrency_test.go <title_id> <member1_id> [member2_id ...]
//
// Or:
//
//	TITLE_ID=<uuid>  MEMBER_IDS=<uuid1>,<uuid2>,...  go run ./scripts/concurrency_test.go
//
// Every member tries to borrow the same title at the same instant. With C
// copies on the shelf exactly min(C, N) requests should get 201 and the rest
// 409 INSUFFICIENT_COPIES. The script then reads the title back and checks
// that available_copies never went negative.
//
// The server must run with auth disabled (no CIRC_AUTH_SECRET).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type borrowResult struct {
	MemberID   string
	StatusCode int
	Code       string
	Err        error
}

type titleState struct {
	TotalCopies     int `json:"total_copies"`
	AvailableCopies int `json:"available_copies"`
}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	titleID := os.Getenv("TITLE_ID")
	var memberIDs []string
	if env := os.Getenv("MEMBER_IDS"); env != "" {
		memberIDs = strings.Split(env, ",")
	}
	if args := os.Args[1:]; len(args) >= 1 {
		titleID = args[0]
		if len(args) >= 2 {
			memberIDs = args[1:]
		}
	}
	if titleID == "" || len(memberIDs) == 0 {
		log.Fatal("Usage: TITLE_ID=<uuid> MEMBER_IDS=<m1,m2,...> go run ./scripts/concurrency_test.go\n" +
			"  or: go run ./scripts/concurrency_test.go <title_id> <member1_id> [member2_id ...]")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	before, err := fetchTitle(client, serverAddr, titleID)
	if err != nil {
		log.Fatalf("failed to read title: %v", err)
	}

	fmt.Printf("=== Borrow Concurrency Test ===\n")
	fmt.Printf("Server    : %s\n", serverAddr)
	fmt.Printf("Title     : %s (%d of %d on shelf)\n", titleID, before.AvailableCopies, before.TotalCopies)
	fmt.Printf("Members   : %d\n\n", len(memberIDs))

	results := make([]borrowResult, len(memberIDs))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, id := range memberIDs {
		wg.Add(1)
		go func(idx int, memberID string) {
			defer wg.Done()
			<-start
			results[idx] = attemptBorrow(client, serverAddr, titleID, memberID)
		}(i, strings.TrimSpace(id))
	}
	close(start)
	wg.Wait()

	var borrowed, noCopies, other int
	for _, r := range results {
		switch {
		case r.Err != nil:
			other++
			fmt.Printf("  [ERR ] member=%-38s err=%v\n", r.MemberID, r.Err)
		case r.StatusCode == http.StatusCreated:
			borrowed++
			fmt.Printf("  [OK  ] member=%s\n", r.MemberID)
		case r.Code == "INSUFFICIENT_COPIES":
			noCopies++
			fmt.Printf("  [FULL] member=%s\n", r.MemberID)
		default:
			other++
			fmt.Printf("  [FAIL] member=%-38s status=%d code=%s\n", r.MemberID, r.StatusCode, r.Code)
		}
	}

	after, err := fetchTitle(client, serverAddr, titleID)
	if err != nil {
		log.Fatalf("failed to read title: %v", err)
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Borrowed            : %d\n", borrowed)
	fmt.Printf("Insufficient copies : %d\n", noCopies)
	fmt.Printf("Other               : %d\n", other)
	fmt.Printf("Shelf now           : %d of %d\n\n", after.AvailableCopies, after.TotalCopies)

	ok := true
	if borrowed > before.AvailableCopies {
		fmt.Printf("[BROKEN] %d loans granted with only %d copies available\n", borrowed, before.AvailableCopies)
		ok = false
	}
	if after.AvailableCopies < 0 || after.AvailableCopies != before.AvailableCopies-borrowed {
		fmt.Printf("[BROKEN] shelf count %d does not match %d - %d\n", after.AvailableCopies, before.AvailableCopies, borrowed)
		ok = false
	}
	if other > 0 {
		fmt.Printf("[WARNING] %d request(s) failed for other reasons; check server logs\n", other)
		ok = false
	}
	if !ok {
		os.Exit(1)
	}
	fmt.Println("Inventory is consistent.")
}

func attemptBorrow(client *http.Client, serverAddr, titleID, memberID string) borrowResult {
	body, _ := json.Marshal(map[string]any{"member_id": memberID, "title_ids": []string{titleID}})
	resp, err := client.Post(serverAddr+"/loans", "application/json", bytes.NewReader(body))
	if err != nil {
		return borrowResult{MemberID: memberID, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed struct {
		Code string `json:"code"`
	}
	if resp.StatusCode != http.StatusCreated {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return borrowResult{MemberID: memberID, StatusCode: resp.StatusCode, Err: fmt.Errorf("bad JSON: %s", raw)}
		}
	}
	return borrowResult{MemberID: memberID, StatusCode: resp.StatusCode, Code: parsed.Code}
}

func fetchTitle(client *http.Client, serverAddr, titleID string) (*titleState, error) {
	resp, err := client.Get(serverAddr + "/titles/" + titleID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /titles/%s: status %d", titleID, resp.StatusCode)
	}
	var t titleState
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}
