// cmd/paper/main.go
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// paper is the interactive client for a running paperd. Every command maps
// onto one gateway API call.

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) get(path string) (map[string]interface{}, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, err
	}
	return decode(resp)
}

func (c *client) post(path string, body interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return decode(resp)
}

func decode(resp *http.Response) (map[string]interface{}, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if msg, ok := out["error"].(string); ok {
		return nil, fmt.Errorf("%s", msg)
	}
	return out, nil
}

func main() {
	api := flag.String("api", "http://127.0.0.1:8080", "paperd gateway address")
	flag.Parse()

	c := newClient(*api)

	fmt.Println("paper - self-certifying name client")
	fmt.Println("Type 'help' for available commands")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		args := strings.Fields(line)
		switch args[0] {
		case "help":
			printHelp()
		case "exit", "quit":
			return
		case "resolve":
			if len(args) != 2 {
				fmt.Println("Usage: resolve <name>")
				continue
			}
			report(c.get("/api/resolve?name=" + url.QueryEscape(args[1])))
		case "register":
			if len(args) < 3 {
				fmt.Println("Usage: register <name|-> <content> [kind]")
				continue
			}
			name := args[1]
			if name == "-" {
				name = "" // let the daemon mint a self-certifying name
			}
			body := map[string]string{"name": name, "content": args[2]}
			if len(args) > 3 {
				body["kind"] = args[3]
			}
			report(c.post("/api/register", body))
		case "update":
			if len(args) != 3 {
				fmt.Println("Usage: update <name> <content>")
				continue
			}
			report(c.post("/api/update", map[string]string{"name": args[1], "content": args[2]}))
		case "send":
			if len(args) != 2 {
				fmt.Println("Usage: send <name>  (resolve anonymously through a tunnel)")
				continue
			}
			report(c.post("/api/tunnel/send", map[string]string{"payload": args[1]}))
		case "status":
			report(c.get("/api/status"))
		default:
			fmt.Printf("Unknown command: %s\n", args[0])
		}
	}
}

func report(out map[string]interface{}, err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(string(pretty))
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  resolve <name>                 - Resolve a name to its agreed record")
	fmt.Println("  register <name|-> <content>    - Register a name ('-' mints a new one)")
	fmt.Println("  update <name> <content>        - Re-sign a name with new content")
	fmt.Println("  send <name>                    - Resolve through an onion tunnel")
	fmt.Println("  status                         - Show daemon status")
	fmt.Println("  exit                           - Quit")
}
