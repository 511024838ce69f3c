package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/docket/pkg/api/client"
	"github.com/splax/docket/pkg/jwt"
)

const defaultAPIBase = "http://localhost:3011"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "deploy":
		err = commandDeploy(args)
	case "list":
		err = commandList(args)
	case "delete":
		err = commandDelete(args)
	case "reboot":
		err = commandReboot(args)
	case "logs":
		err = commandLogs(args)
	case "token":
		err = commandToken(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "API token or JWT (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("API token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("token cannot be empty")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithToken(secret))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.ListDeployments(ctx); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

type envFlag map[string]string

func (e envFlag) String() string {
	keys := make([]string, 0, len(e))
	for key := range e {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (e envFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	e[strings.TrimSpace(key)] = val
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	image := fs.String("image", "", "Container image to run")
	kind := fs.String("type", "ephemeral", "Deployment type (ephemeral|persistent)")
	owner := fs.String("owner", "", "Owner identifier used in the subdomain")
	port := fs.Int("port", 0, "Port the container listens on (default from server)")
	command := fs.String("cmd", "", "Command override, split on whitespace")
	noFollow := fs.Bool("no-follow", false, "Return once the deployment is routed instead of following logs")
	env := envFlag{}
	fs.Var(env, "env", "Environment variable KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*image) == "" {
		return errors.New("--image is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := client.CreateDeployment(ctx, apiclient.CreateRequest{
		Image:         *image,
		Env:           env,
		Command:       strings.Fields(*command),
		Type:          *kind,
		OwnerID:       *owner,
		ContainerPort: *port,
	}, !*noFollow, func(line string) {
		fmt.Println(line)
	})
	if err != nil {
		return err
	}
	if summary.Subdomain != "" {
		fmt.Fprintf(os.Stderr, "deployment %s ready on port %d\n", summary.Subdomain, summary.Port)
	}
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print raw JSON")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(deployments)
	}
	sort.Slice(deployments, func(i, j int) bool { return deployments[i].Subdomain < deployments[j].Subdomain })
	for _, dep := range deployments {
		expires := "-"
		if dep.ExpiresAt != nil {
			expires = dep.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%d\t%s\t%s\t%s\n", dep.Subdomain, dep.Port, dep.Type, dep.State, expires)
	}
	return nil
}

func commandDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	subdomain := fs.String("subdomain", "", "Deployment subdomain")
	fs.Parse(args)
	if strings.TrimSpace(*subdomain) == "" {
		return errors.New("--subdomain is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := client.DeleteDeployment(ctx, *subdomain); err != nil {
		return err
	}
	fmt.Println("deployment deleted")
	return nil
}

func commandReboot(args []string) error {
	fs := flag.NewFlagSet("reboot", flag.ExitOnError)
	ref := fs.String("ref", "", "Deployment subdomain or container id")
	fs.Parse(args)
	if strings.TrimSpace(*ref) == "" {
		return errors.New("--ref is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	dep, err := client.RebootDeployment(ctx, *ref)
	if err != nil {
		return err
	}
	fmt.Printf("deployment %s rebooted (%s)\n", dep.Subdomain, dep.State)
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	subdomain := fs.String("subdomain", "", "Deployment subdomain")
	fs.Parse(args)
	if strings.TrimSpace(*subdomain) == "" {
		return errors.New("--subdomain is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = client.StreamLogs(ctx, *subdomain, func(line string) {
		fmt.Println(line)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner identifier embedded in the token")
	secret := fs.String("secret", os.Getenv("DOCKET_JWT_SECRET"), "Signing secret (default $DOCKET_JWT_SECRET)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime (0 for no expiry)")
	fs.Parse(args)

	if strings.TrimSpace(*owner) == "" {
		return errors.New("--owner is required")
	}
	if strings.TrimSpace(*secret) == "" {
		return errors.New("--secret or DOCKET_JWT_SECRET is required")
	}
	token, err := jwt.GenerateToken(*owner, *secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("DOCKET_API_TOKEN"))
	}
	if token == "" {
		return nil, errors.New("please login first using 'docket login'")
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(token))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "docket", "config.json"), nil
}

func printUsage() {
	fmt.Printf("docket CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	docket login [--token <token>] [--api http://localhost:3011]
	docket deploy --image <ref> [--type ephemeral|persistent] [--owner id] [--port N] [--env K=V]... [--cmd "..."] [--no-follow]
	docket list [--json]
	docket delete --subdomain <sub>
	docket reboot --ref <subdomain|container-id>
	docket logs --subdomain <sub>
	docket token --owner <id> [--secret s] [--ttl 720h]
	docket version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
