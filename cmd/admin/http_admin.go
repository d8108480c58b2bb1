package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	call(http.MethodGet, *baseURL, "/admin/v1/state", nil, 5*time.Second)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	call(http.MethodPost, *baseURL, "/admin/v1/snapshot", nil, 10*time.Second)
}

// announceCmd runs a server-originated change: nextturn, endgame or monarch.
func announceCmd(args []string) {
	fs := flag.NewFlagSet("announce", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	player := fs.String("player", "", "player (monarch)")
	tax := fs.Int("tax", 0, "proposed tax (monarch)")
	winner := fs.String("winner", "", "winning player (endgame)")
	highScore := fs.Bool("high_score", false, "winner made the high score table (endgame)")
	_ = fs.Parse(args)

	q := url.Values{}
	var path string
	switch fs.Arg(0) {
	case "nextturn":
		path = "/admin/v1/nextturn"
	case "endgame":
		path = "/admin/v1/endgame"
		q.Set("winner", *winner)
		q.Set("high_score", fmt.Sprint(*highScore))
	case "monarch":
		path = "/admin/v1/monarch"
		q.Set("player", *player)
		q.Set("tax", fmt.Sprint(*tax))
	default:
		fmt.Fprintln(os.Stderr, "usage: admin announce [flags] nextturn|endgame|monarch")
		os.Exit(2)
	}
	call(http.MethodPost, *baseURL, path, q, 10*time.Second)
}

func call(method, baseURL, path string, q url.Values, timeout time.Duration) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, _ := http.NewRequest(method, u, nil)
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
