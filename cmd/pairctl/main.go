// Command pairctl walks an operator through pairing one account against
// a running gateway: it requests a session, renders the pairing code in
// the terminal, and waits for the scan to land.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	"github.com/danmuck/hermod/internal/bridge"
)

const pollInterval = 2 * time.Second

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8420", "gateway base url")
	token := flag.String("token", "", "api bearer token")
	account := flag.String("account", "", "account id to pair")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall pairing deadline")
	flag.Parse()

	if strings.TrimSpace(*account) == "" {
		fmt.Fprintln(os.Stderr, "pairctl: -account is required")
		os.Exit(1)
	}

	c := &apiClient{
		base:  strings.TrimRight(*addr, "/"),
		token: *token,
		http:  &http.Client{Timeout: 60 * time.Second},
	}

	if err := pair(c, *account, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "pairctl: %v\n", err)
		os.Exit(1)
	}
}

func pair(c *apiClient, account string, timeout time.Duration) error {
	var res bridge.InitResult
	if err := c.post("/api/sessions/"+account+"/init", &res); err != nil {
		return err
	}
	if res.Connected {
		fmt.Printf("account %s already connected as %s\n", account, res.Identity)
		return nil
	}
	if res.Pairing == nil {
		return fmt.Errorf("gateway returned neither a connection nor a pairing code")
	}

	showCode(res.Pairing.Code)
	fmt.Printf("scan within %ds, waiting for the link...\n", res.PairingTimeoutSeconds)

	deadline := time.Now().Add(timeout)
	lastCode := res.Pairing.Code
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)

		var status bridge.StatusResult
		err := c.get("/api/sessions/"+account+"/status", &status)
		if err != nil {
			return err
		}
		switch {
		case status.Connected:
			fmt.Printf("paired: account %s connected as %s\n", account, status.Identity)
			return nil
		case status.Pairing != nil && status.Pairing.Code != lastCode:
			// The gateway rotated the code inside the same window.
			lastCode = status.Pairing.Code
			showCode(lastCode)
			fmt.Println("pairing code refreshed, scan the new one")
		case status.State == bridge.StateClosing || status.State == bridge.StateClosed:
			return fmt.Errorf("pairing window expired before the scan landed")
		}
	}
	return fmt.Errorf("gave up after %s", timeout)
}

// showCode renders the QR in the terminal when there is one, and always
// prints the raw code so headless operators can pipe it elsewhere.
func showCode(code string) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}
	fmt.Printf("pairing code: %s\n", code)
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) post(path string, out any) error {
	return c.do(http.MethodPost, path, out)
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, out)
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
