// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/lattice-im/lattice/e2ee"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
	"github.com/lattice-im/lattice/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "list":
		return runList(os.Args[2:])
	case "restore":
		return runRestore(os.Args[2:])
	case "export":
		return runExport(os.Args[2:])
	case "import":
		return runImport(os.Args[2:])
	case "request":
		return runRequest(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: lattice-keytool <subcommand> [flags]

Subcommands:
  list      List session records in the local store
  restore   Download the server-side key backup into the local store
  export    Seal local session records into an encrypted file
  import    Install session records from an export file
  request   Broadcast a key request for a missing session

Run 'lattice-keytool <subcommand> --help' for subcommand flags.
`)
}

// createSession builds an authenticated server session from the
// config's token file.
func createSession(config *toolConfig) (*messaging.Session, error) {
	if err := config.requireServer(); err != nil {
		return nil, err
	}
	token, err := config.accessToken()
	if err != nil {
		return nil, err
	}
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: config.HomeserverURL,
		Logger:        slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return client.SessionFromToken(config.UserID, config.DeviceID, token)
}

// readRecoveryKey obtains the backup recovery key: from a file when
// one is given, otherwise by prompting. Either way the key is unpadded
// base64 of 32 bytes and ends up in locked memory.
func readRecoveryKey(path string) (*secret.Buffer, error) {
	var encoded string
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading recovery key: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
		secret.Zero(data)
	} else {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("no terminal for recovery key prompt (use --recovery-key-file)")
		}
		fmt.Fprint(os.Stderr, "Recovery key: ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading recovery key: %w", err)
		}
		encoded = strings.TrimSpace(string(line))
		secret.Zero(line)
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("recovery key is not valid base64: %w", err)
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// runList prints every session record held for the configured account.
func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to keytool config file")
	flags.Parse(args)

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := e2ee.NewFileStore(config.StoreDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	records, err := store.ListInbound(ctx, config.UserID)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Room != records[j].Room {
			return records[i].Room.String() < records[j].Room.String()
		}
		return records[i].SessionID.String() < records[j].SessionID.String()
	})

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ROOM\tSESSION\tSENDER KEY\tSOURCE\tINDICES USED")
	for _, record := range records {
		source := "direct"
		if record.Forwarded {
			source = "forwarded"
		}
		if len(record.Pickle) == 0 {
			source += " (offline)"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\n",
			record.Room, record.SessionID, record.SenderKey, source, len(record.UsedIndices))
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d session(s)\n", len(records))
	return nil
}

// runRestore downloads the current key backup, decrypts every entry
// with the recovery key, and writes the sessions into the local store.
// Sessions already held locally are left alone: a local record may
// know earlier ratchet indices than the backup copy.
func runRestore(args []string) error {
	flags := pflag.NewFlagSet("restore", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to keytool config file")
	recoveryKeyFile := flags.String("recovery-key-file", "", "read the recovery key from this file instead of prompting")
	flags.Parse(args)

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	session, err := createSession(config)
	if err != nil {
		return err
	}
	store, err := e2ee.NewFileStore(config.StoreDir)
	if err != nil {
		return err
	}

	recoveryKey, err := readRecoveryKey(*recoveryKeyFile)
	if err != nil {
		return err
	}
	defer recoveryKey.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	version, err := session.KeyBackupVersion(ctx)
	if err != nil {
		return fmt.Errorf("fetching backup version: %w", err)
	}
	if version.Algorithm != e2ee.BackupAlgorithm {
		return fmt.Errorf("unsupported backup algorithm %q", version.Algorithm)
	}
	derived, err := e2ee.RecoveryPublicKey(recoveryKey)
	if err != nil {
		return err
	}
	if derived != version.AuthData.PublicKey {
		return fmt.Errorf("recovery key does not match backup version %s", version.Version)
	}

	payload, err := session.GetAllBackedUpSessions(ctx, version.Version)
	if err != nil {
		return fmt.Errorf("downloading backup: %w", err)
	}

	var installed, held, failed int
	for roomID, room := range payload.Rooms {
		for sessionID, entry := range room.Sessions {
			entry := entry
			existing, err := store.GetInbound(ctx, config.UserID, roomID, sessionID)
			if err != nil {
				return err
			}
			if existing != nil {
				held++
				continue
			}
			senderKey, content, err := e2ee.OpenBackupEntry(recoveryKey, roomID, sessionID, &entry)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skipping %s in %s: %v\n", sessionID, roomID, err)
				failed++
				continue
			}
			record := &e2ee.InboundRecord{
				Account:   config.UserID,
				Room:      roomID,
				SessionID: sessionID,
				SenderKey: senderKey,
				Content:   content,
				Forwarded: true,
			}
			if err := store.PutInbound(ctx, record); err != nil {
				return err
			}
			installed++
		}
	}

	fmt.Fprintf(os.Stderr, "Restored backup version %s\n", version.Version)
	fmt.Fprintf(os.Stderr, "  Installed: %d\n", installed)
	fmt.Fprintf(os.Stderr, "  Already held: %d\n", held)
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "  Failed: %d\n", failed)
	}
	return nil
}

// runRequest broadcasts an m.room_key_request for one session to all
// devices of the target users (the configured account by default).
func runRequest(args []string) error {
	flags := pflag.NewFlagSet("request", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to keytool config file")
	roomArg := flags.String("room", "", "room the session belongs to (required)")
	sessionArg := flags.String("session", "", "session ID to request (required)")
	senderKeyArg := flags.String("sender-key", "", "curve25519 key of the device that created the session (required)")
	userArgs := flags.StringSlice("user", nil, "user to ask (repeatable; defaults to the configured account)")
	flags.Parse(args)

	if *roomArg == "" || *sessionArg == "" || *senderKeyArg == "" {
		flags.Usage()
		return fmt.Errorf("--room, --session, and --sender-key are required")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	roomID, err := ref.ParseRoomID(*roomArg)
	if err != nil {
		return err
	}
	sessionID, err := ref.ParseSessionID(*sessionArg)
	if err != nil {
		return err
	}
	senderKey, err := ref.ParseCurve25519Key(*senderKeyArg)
	if err != nil {
		return err
	}
	targets := []ref.UserID{config.UserID}
	if len(*userArgs) > 0 {
		targets = targets[:0]
		for _, arg := range *userArgs {
			user, err := ref.ParseUserID(arg)
			if err != nil {
				return err
			}
			targets = append(targets, user)
		}
	}

	session, err := createSession(config)
	if err != nil {
		return err
	}

	content := e2ee.KeyRequestContent{
		Action: e2ee.ActionRequest,
		Body: &e2ee.KeyRequestBody{
			Algorithm: e2ee.MegolmAlgorithm,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		RequestID:          uuid.NewString(),
		RequestingDeviceID: config.DeviceID,
	}
	messages := make(messaging.ToDeviceMessages, len(targets))
	for _, user := range targets {
		messages[user] = map[string]any{"*": content}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := session.SendToDevice(ctx, e2ee.EventRoomKeyRequest, messages); err != nil {
		return fmt.Errorf("sending key request: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Requested %s in %s\n", sessionID, roomID)
	fmt.Fprintf(os.Stderr, "  Request ID: %s\n", content.RequestID)
	return nil
}

// exportTimestamp is the created_at format in export files.
const exportTimestamp = time.RFC3339

// runExport seals the account's session records into an encrypted
// file: JSON, zstd-compressed, then age-encrypted to the configured
// recipients (or a prompted passphrase when none are configured).
func runExport(args []string) error {
	flags := pflag.NewFlagSet("export", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to keytool config file")
	outPath := flags.String("out", "", "file to write (required)")
	recipientArgs := flags.StringSlice("recipient", nil, "age recipient to seal to (repeatable; overrides config)")
	flags.Parse(args)

	if *outPath == "" {
		flags.Usage()
		return fmt.Errorf("--out is required")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := e2ee.NewFileStore(config.StoreDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	records, err := store.ListInbound(ctx, config.UserID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no session records to export")
	}

	payload := exportFile{
		Version:   exportFormatVersion,
		Account:   config.UserID,
		CreatedAt: time.Now().UTC().Format(exportTimestamp),
	}
	for _, record := range records {
		payload.Sessions = append(payload.Sessions, exportedSession{
			Room:             record.Room,
			SessionID:        record.SessionID,
			SenderKey:        record.SenderKey,
			SessionKey:       record.Content.SessionKey,
			Forwarded:        record.Forwarded,
			SenderClaimedKey: record.Content.SenderClaimedKey,
			ForwardingChain:  record.Content.ForwardingChain,
		})
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	defer secret.Zero(plaintext)

	keys := *recipientArgs
	if len(keys) == 0 {
		keys = config.Export.Recipients
	}
	recipients, err := exportRecipients(keys)
	if err != nil {
		return err
	}

	if err := writeSealed(*outPath, plaintext, recipients); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Exported %d session(s) to %s\n", len(payload.Sessions), *outPath)
	return nil
}

// runImport installs session records from an export file. Records for
// sessions already held are skipped, and the file's account must match
// the configured one: records are account-scoped and installing
// another account's keys under this one would orphan them.
func runImport(args []string) error {
	flags := pflag.NewFlagSet("import", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to keytool config file")
	inPath := flags.String("in", "", "export file to read (required)")
	identityFile := flags.String("identity-file", "", "age identity file for unsealing (otherwise a passphrase is prompted)")
	flags.Parse(args)

	if *inPath == "" {
		flags.Usage()
		return fmt.Errorf("--in is required")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := e2ee.NewFileStore(config.StoreDir)
	if err != nil {
		return err
	}

	plaintext, err := readSealed(*inPath, *identityFile)
	if err != nil {
		return err
	}
	defer secret.Zero(plaintext)

	var payload exportFile
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("parsing export: %w", err)
	}
	if payload.Version != exportFormatVersion {
		return fmt.Errorf("unsupported export version %d", payload.Version)
	}
	if payload.Account != config.UserID {
		return fmt.Errorf("export belongs to %s, not %s", payload.Account, config.UserID)
	}

	ctx := context.Background()
	var installed, held int
	for _, exported := range payload.Sessions {
		existing, err := store.GetInbound(ctx, config.UserID, exported.Room, exported.SessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			held++
			continue
		}
		record := &e2ee.InboundRecord{
			Account:   config.UserID,
			Room:      exported.Room,
			SessionID: exported.SessionID,
			SenderKey: exported.SenderKey,
			Content: e2ee.KeyContent{
				Algorithm:        e2ee.MegolmAlgorithm,
				RoomID:           exported.Room,
				SessionID:        exported.SessionID,
				SessionKey:       exported.SessionKey,
				SenderClaimedKey: exported.SenderClaimedKey,
				ForwardingChain:  exported.ForwardingChain,
			},
			Forwarded: exported.Forwarded,
		}
		if err := store.PutInbound(ctx, record); err != nil {
			return err
		}
		installed++
	}

	fmt.Fprintf(os.Stderr, "Imported %s (created %s)\n", *inPath, payload.CreatedAt)
	fmt.Fprintf(os.Stderr, "  Installed: %d\n", installed)
	fmt.Fprintf(os.Stderr, "  Already held: %d\n", held)
	return nil
}
