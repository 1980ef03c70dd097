// cmd/custodian-admin is the operator CLI of SPEC_FULL's supplemented
// features: list latched adapters and clear a latch. Modeled on the
// teacher's one-binary-per-concern cmd/ layout, talking to the custodian
// process's admin HTTP endpoints rather than sharing its memory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "custodian process base URL")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}

	switch args[0] {
	case "latches":
		listLatches(client, *addr)
	case "clear":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: custodian-admin clear <coin>")
			os.Exit(1)
		}
		clearLatch(client, *addr, args[1])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: custodian-admin [-addr URL] latches|clear <coin>")
}

type latchStatus struct {
	Coin    string `json:"coin"`
	Latched bool   `json:"latched"`
	Error   string `json:"error,omitempty"`
}

func listLatches(client *http.Client, addr string) {
	resp, err := client.Get(addr + "/api/custodian/admin/latches")
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var rows []latchStatus
	if err := json.Unmarshal(body, &rows); err != nil {
		fmt.Fprintln(os.Stderr, "decode failed:", err, string(body))
		os.Exit(1)
	}
	for _, r := range rows {
		if r.Latched {
			fmt.Printf("%-10s LATCHED  %s\n", r.Coin, r.Error)
		} else {
			fmt.Printf("%-10s ok\n", r.Coin)
		}
	}
}

func clearLatch(client *http.Client, addr, coin string) {
	resp, err := client.Post(addr+"/api/custodian/admin/latches/"+coin+"/clear", "application/json", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintln(os.Stderr, "clear failed:", resp.Status, string(body))
		os.Exit(1)
	}
	fmt.Printf("cleared latch for %s\n", coin)
}
