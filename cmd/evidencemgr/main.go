package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/catherinevee/evidencemgr/internal/config"
	"github.com/catherinevee/evidencemgr/internal/dedup"
	"github.com/catherinevee/evidencemgr/internal/logger"
	"github.com/catherinevee/evidencemgr/internal/orchestrator"
	"github.com/catherinevee/evidencemgr/internal/providers"
	"github.com/catherinevee/evidencemgr/internal/providers/aws"
	"github.com/catherinevee/evidencemgr/internal/providers/googleworkspace"
	"github.com/catherinevee/evidencemgr/internal/quality"
	"github.com/catherinevee/evidencemgr/internal/resilience"
	"github.com/catherinevee/evidencemgr/internal/store"
	"github.com/catherinevee/evidencemgr/internal/vault"
	"github.com/catherinevee/evidencemgr/pkg/models"
)

const usage = `evidencemgr - compliance evidence collection worker

Usage:
  evidencemgr collect  -config <file> -owner <user-id> -credentials <file> -types <t1,t2,...>
  evidencemgr status   -config <file> -job <job-id>
  evidencemgr evidence -config <file> -job <job-id> [-type <evidence-type>] [-min-quality <0..1>]
  evidencemgr encrypt  -config <file> -in <plaintext-json-file>

The credentials file is a YAML list of encrypted provider credentials as
produced by the encrypt command:

  - provider: aws
    region: us-east-1
    ciphertext: '{"version":"v1",...}'
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "collect":
		err = runCollect(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "evidence":
		err = runEvidence(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components shared by every command.
type app struct {
	cfg   *config.Config
	vault *vault.Vault
	store store.EvidenceStore
	orch  *orchestrator.Orchestrator
	close func()
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Initialize(cfg.Logging)

	v, err := vault.New(vault.Config{
		MasterKey: cfg.Vault.MasterKey,
		Salt:      cfg.Vault.Salt,
	})
	if err != nil {
		return nil, err
	}

	var evidenceStore store.EvidenceStore
	closeStore := func() {}
	switch cfg.Store.Type {
	case "memory":
		evidenceStore = store.NewMemoryStore()
	default:
		sqlite, err := store.NewSQLiteStore(&store.SQLiteConfig{Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open evidence store: %w", err)
		}
		evidenceStore = sqlite
		closeStore = func() { sqlite.Close() }
	}

	registry := providers.NewRegistry()
	registry.Register("aws", aws.New)
	registry.Register("googleworkspace", googleworkspace.New)

	detector := dedup.NewDetectorWithWindow(evidenceStore, cfg.Collection.DedupWindow)

	orch := orchestrator.New(v, registry, evidenceStore, detector, quality.NewScorer(), &orchestrator.Config{
		Retry: &resilience.RetryConfig{
			MaxAttempts:  cfg.Collection.MaxRetryAttempts,
			InitialDelay: cfg.Collection.RetryInitialDelay,
			MaxDelay:     cfg.Collection.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		CircuitBreaker: &resilience.CircuitBreakerConfig{
			MaxRequests:      3,
			Interval:         60 * time.Second,
			Timeout:          cfg.Collection.BreakerTimeout,
			FailureThreshold: cfg.Collection.BreakerFailureThreshold,
			SuccessThreshold: 2,
		},
	})

	return &app{cfg: cfg, vault: v, store: evidenceStore, orch: orch, close: closeStore}, nil
}

// credentialFile is one entry of the encrypted credentials YAML file.
type credentialFile struct {
	Provider   string `yaml:"provider"`
	Region     string `yaml:"region"`
	Tenant     string `yaml:"tenant"`
	Ciphertext string `yaml:"ciphertext"`
}

func runCollect(args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	owner := fs.String("owner", "", "user id that owns the collected evidence")
	credentialsPath := fs.String("credentials", "", "path to encrypted credentials file")
	typesFlag := fs.String("types", "", "comma-separated evidence types to collect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *credentialsPath == "" || *typesFlag == "" {
		return fmt.Errorf("collect requires -owner, -credentials and -types")
	}

	a, err := buildApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	data, err := os.ReadFile(*credentialsPath)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}
	var entries []credentialFile
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("credentials file contains no providers")
	}

	credentials := make([]models.ProviderCredential, 0, len(entries))
	for _, entry := range entries {
		credentials = append(credentials, models.ProviderCredential{
			UserID:     *owner,
			Provider:   entry.Provider,
			Ciphertext: entry.Ciphertext,
			Region:     entry.Region,
			Tenant:     entry.Tenant,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobID, runErr := a.orch.StartCollection(ctx, orchestrator.Request{
		Owner:          *owner,
		Credentials:    credentials,
		RequestedTypes: splitTypes(*typesFlag),
	})
	if jobID == "" {
		return runErr
	}

	job, err := a.orch.Job(context.Background(), jobID)
	if err != nil {
		return err
	}
	printJob(job)
	return runErr
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	jobID := fs.String("job", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return fmt.Errorf("status requires -job")
	}

	a, err := buildApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	job, err := a.orch.Job(context.Background(), *jobID)
	if err != nil {
		return err
	}
	printJob(job)
	return nil
}

func runEvidence(args []string) error {
	fs := flag.NewFlagSet("evidence", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	jobID := fs.String("job", "", "job id")
	evidenceType := fs.String("type", "", "filter by evidence type")
	minQuality := fs.Float64("min-quality", 0, "minimum quality score")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return fmt.Errorf("evidence requires -job")
	}

	a, err := buildApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	records, total, err := a.orch.Evidence(context.Background(), *jobID,
		models.EvidenceFilter{EvidenceType: *evidenceType, MinQuality: *minQuality},
		models.Page{Offset: *offset, Limit: *limit})
	if err != nil {
		return err
	}

	out := struct {
		Total   int                     `json:"total"`
		Records []models.EvidenceRecord `json:"records"`
	}{Total: total, Records: records}
	return printJSON(out)
}

// runEncrypt seals a plaintext credential JSON file into the envelope
// format the collect command consumes. The plaintext file should be
// deleted after encryption.
func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	inPath := fs.String("in", "", "path to plaintext credential JSON file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return fmt.Errorf("encrypt requires -in")
	}

	a, err := buildApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	data, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("failed to read credential file: %w", err)
	}
	var plaintext map[string]interface{}
	if err := json.Unmarshal(data, &plaintext); err != nil {
		return fmt.Errorf("credential file is not valid JSON: %w", err)
	}

	envelope, err := a.vault.Encrypt(plaintext)
	if err != nil {
		return err
	}
	fmt.Println(envelope)
	return nil
}

func splitTypes(flagValue string) []string {
	var out []string
	for _, part := range strings.Split(flagValue, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJob(job *models.CollectionJob) {
	if err := printJSON(job); err != nil {
		fmt.Fprintf(os.Stderr, "failed to render job: %v\n", err)
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
