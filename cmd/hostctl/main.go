package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/edvin/proxyhost/internal/hostctl"
)

type globalFlags struct {
	profile *string
	apiURL  *string
	timeout *time.Duration
	wait    *bool
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	g := globalFlags{
		profile: fs.String("profile", "", "Saved profile to use (default: the active profile)"),
		apiURL:  fs.String("api", os.Getenv("PROXYHOST_API_URL"), "proxyhost API base URL"),
		timeout: fs.Duration("timeout", 5*time.Minute, "How long to wait for certificate jobs"),
		wait:    fs.Bool("wait", false, "Wait for a certificate job started by this command"),
	}

	switch cmd {
	case "apply":
		file := fs.String("f", "", "Path to hosts definition YAML file (required)")
		fs.Parse(args)
		if *file == "" {
			fmt.Fprintln(os.Stderr, "Error: -f flag is required")
			fs.Usage()
			os.Exit(1)
		}
		exitOn(hostctl.ApplyFile(*file, *g.profile, *g.apiURL, os.Getenv("PROXYHOST_API_KEY"), *g.timeout))
		return
	case "profile":
		runProfile(args)
		return
	case "cert":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: hostctl cert status|issue|renew [flags] <host-id>")
			os.Exit(1)
		}
		runCert(fs, args[0], args[1:], g)
		return
	}

	fs.Parse(args)
	client := resolve(g)

	switch cmd {
	case "list":
		hosts, err := client.ListHosts()
		exitOn(err)
		for _, h := range hosts {
			fmt.Printf("%-40s 127.0.0.1:%d\n", h.ServerName, h.UpstreamPort)
		}
	case "get":
		requireArgs(fs, 1, "hostctl get <host-id>")
		printResult(client.GetHost(fs.Arg(0)))
	case "create":
		requireArgs(fs, 2, "hostctl create [-wait] <subdomain> <port>")
		res, err := client.CreateHost(fs.Arg(0), parsePort(fs.Arg(1)))
		printResult(res, err)
		waitFor(client, res, *g.wait, *g.timeout)
	case "update":
		requireArgs(fs, 2, "hostctl update <host-id> <port>")
		printResult(client.UpdateHost(fs.Arg(0), parsePort(fs.Arg(1))))
	case "delete":
		requireArgs(fs, 1, "hostctl delete <host-id>")
		printResult(client.DeleteHost(fs.Arg(0)))
	case "job":
		requireArgs(fs, 1, "hostctl job <job-id>")
		job, err := client.GetJob(fs.Arg(0))
		exitOn(err)
		printJSON(job)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func resolve(g globalFlags) *hostctl.Client {
	client, err := hostctl.ResolveClient(*g.profile, *g.apiURL, os.Getenv("PROXYHOST_API_KEY"))
	exitOn(err)
	return client
}

func runCert(fs *flag.FlagSet, sub string, args []string, g globalFlags) {
	email := fs.String("email", "", "ACME account email (issue)")
	dnsToken := fs.String("dns-token", os.Getenv("PROXYHOST_DNS_API_TOKEN"), "DNS provider API token; selects DNS-01 (issue)")
	zoneToken := fs.String("zone-token", "", "DNS provider zone token (issue)")
	fs.Parse(args)
	requireArgs(fs, 1, "hostctl cert "+sub+" [flags] <host-id>")

	client := resolve(g)
	id := fs.Arg(0)

	var (
		res *hostctl.Result
		err error
	)
	switch sub {
	case "status":
		res, err = client.CertificateStatus(id)
	case "issue":
		res, err = client.IssueCertificate(id, hostctl.IssueRequest{
			Email:        *email,
			DNSAPIToken:  *dnsToken,
			DNSZoneToken: *zoneToken,
		})
	case "renew":
		res, err = client.RenewCertificate(id)
	default:
		fmt.Fprintf(os.Stderr, "Unknown cert command: %s\n", sub)
		os.Exit(1)
	}
	printResult(res, err)
	waitFor(client, res, *g.wait, *g.timeout)
}

func runProfile(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: hostctl profile add|list|use|rm ...")
		os.Exit(1)
	}
	sub := args[0]
	fs := flag.NewFlagSet("profile "+sub, flag.ExitOnError)

	switch sub {
	case "add":
		apiURL := fs.String("api", "", "proxyhost API base URL (required)")
		apiKey := fs.String("key", "", "API token")
		use := fs.Bool("use", false, "Make this the active profile")
		fs.Parse(args[1:])
		requireArgs(fs, 1, "hostctl profile add -api URL [-key TOKEN] [-use] <name>")
		if *apiURL == "" {
			fmt.Fprintln(os.Stderr, "Error: -api flag is required")
			os.Exit(1)
		}
		name := fs.Arg(0)
		exitOn(hostctl.SaveProfile(hostctl.Profile{Name: name, APIURL: *apiURL, APIKey: *apiKey}))
		if *use {
			exitOn(hostctl.SetActive(name))
		}
		fmt.Printf("Profile %q saved\n", name)
	case "list":
		profiles, err := hostctl.ListProfiles()
		exitOn(err)
		active, _ := hostctl.ActiveProfile()
		for _, p := range profiles {
			marker := " "
			if active != nil && active.Name == p.Name {
				marker = "*"
			}
			fmt.Printf("%s %-20s %s\n", marker, p.Name, p.APIURL)
		}
	case "use":
		fs.Parse(args[1:])
		requireArgs(fs, 1, "hostctl profile use <name>")
		exitOn(hostctl.SetActive(fs.Arg(0)))
	case "rm":
		fs.Parse(args[1:])
		requireArgs(fs, 1, "hostctl profile rm <name>")
		exitOn(hostctl.DeleteProfile(fs.Arg(0)))
	default:
		fmt.Fprintf(os.Stderr, "Unknown profile command: %s\n", sub)
		os.Exit(1)
	}
}

func waitFor(client *hostctl.Client, res *hostctl.Result, wait bool, timeout time.Duration) {
	if !wait || res == nil || res.JobID == "" || res.Outcome != "in_progress" {
		return
	}
	fmt.Fprintf(os.Stderr, "Waiting for job %s...\n", res.JobID)
	job, err := client.WaitJob(res.JobID, client.PollInterval, timeout)
	exitOn(err)
	printJSON(job)
}

func printResult(res *hostctl.Result, err error) {
	exitOn(err)
	printJSON(res)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func requireArgs(fs *flag.FlagSet, n int, usage string) {
	if fs.NArg() < n {
		fmt.Fprintln(os.Stderr, "Usage: "+usage)
		os.Exit(1)
	}
}

func parsePort(s string) int {
	port, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid port %q\n", s)
		os.Exit(1)
	}
	return port
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  hostctl list
  hostctl get <host-id>
  hostctl create [-wait] <subdomain> <port>
  hostctl update <host-id> <port>
  hostctl delete <host-id>
  hostctl cert status <host-id>
  hostctl cert issue [-email E] [-dns-token T] [-zone-token Z] [-wait] <host-id>
  hostctl cert renew [-wait] <host-id>
  hostctl job <job-id>
  hostctl apply -f <hosts.yaml>
  hostctl profile add -api URL [-key TOKEN] [-use] <name>
  hostctl profile list|use <name>|rm <name>

Flags:
  -profile string   Saved profile (default: the active profile)
  -api string       proxyhost API base URL (default: $PROXYHOST_API_URL, the profile, or http://localhost:8090)
  -timeout duration How long to wait for certificate jobs (default: 5m)

The API token is read from PROXYHOST_API_KEY or the profile.`)
}
