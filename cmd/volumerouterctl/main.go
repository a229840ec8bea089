// Command volumerouterctl is a thin HTTP client against a running
// volumerouterd's admin/inspection API: it locates volumes, lists
// cluster peers, and reports SCO cache occupancy.
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
	addr := flag.String("addr", "http://localhost:8080", "volumerouterd admin API base address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	var err error

	switch args[0] {
	case "locate":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = getJSON(client, *addr+"/v1/volumes/"+args[1]+"/location")
	case "nodes":
		err = getJSON(client, *addr+"/v1/nodes")
	case "cache-stats":
		err = getJSON(client, *addr+"/v1/cache/stats")
	case "health":
		err = getJSON(client, *addr+"/health")
	case "status":
		err = getJSON(client, *addr+"/status")
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "volumerouterctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: volumerouterctl [-addr URL] <command> [args]

commands:
  locate <volume-id>   report the current owning node of a volume
  nodes                list cluster peers known to the router
  cache-stats          report SCO cache mountpoint/namespace occupancy
  health               report component health
  status               report operation status`)
}

// getJSON issues a GET and pretty-prints the JSON body. The admin API
// always responds with a JSON object on both success and error, so
// this works uniformly for 2xx and non-2xx responses.
func getJSON(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", url, err)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return nil
}
