package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"birdcam/internal/capture"
)

func main() {
	var (
		urlF     = flag.String("url", "http://localhost:8090", "URL of the viewer control API")
		tokenF   = flag.String("token", os.Getenv("BIRDCAM_TOKEN"), "Bearer token for the control API")
		timeoutF = flag.Int("timeout", 30, "Maximum number of seconds to wait for a response")
		verboseF = flag.Bool("verbose", false, "Print request and response summaries")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	c := newAPIClient(*urlF, *tokenF, *timeoutF, *verboseF)
	if err := runCommand(context.Background(), c, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, c *apiClient, cmd string, args []string) error {
	var (
		data []byte
		err  error
	)
	switch cmd {
	case "status":
		data, err = c.do(ctx, http.MethodGet, "/api/state", nil)

	case "toggle":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return fmt.Errorf("usage: toggle on|off")
		}
		data, err = c.do(ctx, http.MethodPost, "/api/detection/toggle", map[string]bool{"enabled": args[0] == "on"})

	case "analyze":
		region, perr := parseRegion(args)
		if perr != nil {
			return perr
		}
		data, err = c.do(ctx, http.MethodPost, "/api/analyze", region)

	case "capture":
		if len(args) != 1 {
			return fmt.Errorf("usage: capture OUT.jpg")
		}
		return captureTo(ctx, c, args[0])

	case "reset":
		data, err = c.do(ctx, http.MethodPost, "/api/detections/reset", nil)

	case "ensure-stream":
		data, err = c.do(ctx, http.MethodPost, "/api/stream/ensure", nil)

	case "login":
		if len(args) != 2 {
			return fmt.Errorf("usage: login USER PASSWORD")
		}
		data, err = c.do(ctx, http.MethodPost, "/api/login", map[string]string{"username": args[0], "password": args[1]})

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, httpUsageCommands())
	}
	if err != nil {
		return err
	}
	return printJSON(data)
}

func parseRegion(args []string) (capture.Region, error) {
	if len(args) != 4 {
		return capture.Region{}, fmt.Errorf("usage: analyze X Y W H")
	}
	var v [4]int
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return capture.Region{}, fmt.Errorf("invalid coordinate %q: %w", a, err)
		}
		v[i] = n
	}
	return capture.Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

func captureTo(ctx context.Context, c *apiClient, out string) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/capture", nil); err != nil {
		return err
	}
	img, err := c.do(ctx, http.MethodGet, "/api/capture/download", nil)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, img, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", out, len(img))
	return nil
}

func printJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		return nil
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the birdcam control API.
Usage:
    %s [-url URL] [-token TOKEN] [-timeout SECONDS] [-verbose] COMMAND [ARGS]

Commands:
%s

Example:
%s
`, os.Args[0], os.Args[0], indent(httpUsageCommands()), indent(httpUsageExamples()))
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	return "    " + string(bytes.ReplaceAll([]byte(s), []byte("\n"), []byte("\n    ")))
}
