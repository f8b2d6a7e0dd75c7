// Package main is the command-line client of the data upload portal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ddp/uploadportal/internal/client"
	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/packaging"
	"github.com/ddp/uploadportal/internal/session"
	"github.com/ddp/uploadportal/internal/submission"
	"github.com/urfave/cli/v3"
)

var (
	version   string
	buildDate string
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:    "portal",
		Usage:   "Data upload portal client",
		Version: fmt.Sprintf("%s (built %s)", orNA(version), orNA(buildDate)),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "https://localhost:8080", Usage: "server base URL", Sources: cli.EnvVars("PORTAL_URL")},
			&cli.StringFlag{Name: "ca", Usage: "CA certificate trusted for the server", Sources: cli.EnvVars("PORTAL_CA")},
			&cli.StringFlag{Name: "token-file", Value: defaultTokenFile(), Usage: "file keeping the session token", Sources: cli.EnvVars("PORTAL_TOKEN_FILE")},
		},
		Commands: []*cli.Command{
			loginCommand(),
			verifyCommand(),
			logoutCommand(),
			meCommand(),
			pageCommand(),
			attestCommand(),
			uploadCommand(),
			metadataCommand(),
			rulesCommand(),
			draftCommand(),
			submitCommand(),
			pendingCommand(),
			decideCommand("approve", "Approve a pending package"),
			decideCommand("reject", "Reject a pending package"),
			downloadCommand(),
			inspectCommand(),
			historyCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".portal-token"
	}
	return filepath.Join(dir, "uploadportal", "token")
}

func newClient(c *cli.Command) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:   c.String("url"),
		CAFile:    c.String("ca"),
		TokenFile: c.String("token-file"),
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func printState(st submission.State) error {
	fmt.Printf("Stage: %s\n", st.Stage)
	if st.File != nil {
		fmt.Printf("File: %s (%s, %.2f MB, %d rows)\n", st.File.Filename, st.File.MimeType, st.File.SizeMB, st.File.RowCount)
		fmt.Printf("Columns: %s\n", strings.Join(st.Columns, ", "))
	}
	if st.PackageID != "" {
		fmt.Printf("Package: %s\n", st.PackageID)
	}
	return nil
}

// parsePairs reads "key=value" arguments.
func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected column=value, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Open a session with username and password",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Sources: cli.EnvVars("PORTAL_PASSWORD"), Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if err := cl.Login(ctx, c.String("username"), c.String("password")); err != nil {
				return err
			}
			fmt.Println("Login accepted. Run 'verify <code>' to complete the second factor.")
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Submit the second-factor code",
		ArgsUsage: "<code>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: verify <code>")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if err := cl.Verify(ctx, c.Args().First()); err != nil {
				return err
			}
			fmt.Println("Session authenticated.")
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "End the session",
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			return cl.Logout(ctx)
		},
	}
}

func meCommand() *cli.Command {
	return &cli.Command{
		Name:  "me",
		Usage: "Show the session user",
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			p, err := cl.Me(ctx)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
}

func pageCommand() *cli.Command {
	return &cli.Command{
		Name:      "page",
		Usage:     "Navigate to home, upload, approvals or history",
		ArgsUsage: "<page>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: page <home|upload|approvals|history>")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			nav, err := cl.Navigate(ctx, session.Page(c.Args().First()))
			if err != nil {
				return err
			}
			return printJSON(nav)
		},
	}
}

func attestCommand() *cli.Command {
	return &cli.Command{
		Name:  "attest",
		Usage: "Answer the security questionnaire",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "personal-data", Usage: "the file contains personal data"},
			&cli.BoolFlag{Name: "kvkk-violation", Usage: "sharing the file would violate KVKK"},
			&cli.BoolFlag{Name: "sensitive-data", Usage: "the file contains sensitive data"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := cl.Attest(ctx, models.SecurityAttestation{
				PersonalData:  c.Bool("personal-data"),
				KVKKViolation: c.Bool("kvkk-violation"),
				SensitiveData: c.Bool("sensitive-data"),
			})
			if err != nil {
				return err
			}
			return printState(st)
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a CSV or Excel file into the draft",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "preview", Usage: "print the first rows"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: upload <file>")
			}
			path := c.Args().First()
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := cl.Upload(ctx, path, data)
			if err != nil {
				return err
			}
			if c.Bool("preview") {
				for _, row := range st.Preview {
					fmt.Println(strings.Join(row, " | "))
				}
			}
			return printState(st)
		},
	}
}

func metadataCommand() *cli.Command {
	return &cli.Command{
		Name:      "metadata",
		Usage:     "Describe columns; an empty description clears one",
		ArgsUsage: "<column=description>...",
		Action: func(ctx context.Context, c *cli.Command) error {
			pairs, err := parsePairs(c.Args().Slice())
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := cl.SetMetadata(ctx, pairs)
			if err != nil {
				return err
			}
			return printState(st)
		},
	}
}

func rulesCommand() *cli.Command {
	return &cli.Command{
		Name:      "rules",
		Usage:     "Set quality rules as a JSON object keyed by column",
		ArgsUsage: `'{"email":{"kind":"email_format"}}'`,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: rules <json>")
			}
			var rules map[string]models.QualityRule
			if err := json.Unmarshal([]byte(c.Args().First()), &rules); err != nil {
				return fmt.Errorf("invalid rules: %w", err)
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := cl.SetQualityRules(ctx, rules)
			if err != nil {
				return err
			}
			return printState(st)
		},
	}
}

func draftCommand() *cli.Command {
	return &cli.Command{
		Name:  "draft",
		Usage: "Show the current draft",
		Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := cl.Draft(ctx)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(st)
			}
			return printState(st)
		},
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Send the draft to the approver",
		Flags: []cli.Flag{&cli.StringFlag{Name: "comment", Aliases: []string{"m"}}},
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			pkg, err := cl.Submit(ctx, c.String("comment"))
			if err != nil {
				return err
			}
			fmt.Printf("Submitted %s to %s\n", pkg.ID, pkg.ApproverID)
			return nil
		},
	}
}

func pendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "List packages waiting for your approval",
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			pkgs, err := cl.Pending(ctx)
			if err != nil {
				return err
			}
			if len(pkgs) == 0 {
				fmt.Println("No pending packages.")
				return nil
			}
			for _, p := range pkgs {
				fmt.Printf("%s  %s  %.2f MB  from %s\n", p.ID, p.Filename, models.SizeMB(p.SizeBytes), p.UploaderID)
			}
			return nil
		},
	}
}

func decideCommand(verb, usage string) *cli.Command {
	return &cli.Command{
		Name:      verb,
		Usage:     usage,
		ArgsUsage: "<package-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: %s <package-id>", verb)
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			decide := cl.Approve
			if verb == "reject" {
				decide = cl.Reject
			}
			pkg, err := decide(ctx, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Printf("%s is %s\n", pkg.ID, pkg.Status)
			return nil
		},
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Save the zip deliverable of a package",
		ArgsUsage: "<package-id>",
		Flags:     []cli.Flag{&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default <id>.zip)"}},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: download <package-id>")
			}
			id := c.Args().First()
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			data, err := cl.Download(ctx, id)
			if err != nil {
				return err
			}
			out := c.String("out")
			if out == "" {
				out = id + ".zip"
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("Saved %s\n", out)
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the descriptor of a downloaded deliverable",
		ArgsUsage: "<file.zip>",
		Action: func(_ context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: inspect <file.zip>")
			}
			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return err
			}
			d, file, err := packaging.Open(data)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d bytes\n", d.OriginalFilename, len(file))
			return printJSON(d)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show your upload and approval history",
		Action: func(ctx context.Context, c *cli.Command) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			entries, err := cl.History(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-16s  %s  %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Filename, e.Details)
			}
			return nil
		},
	}
}
