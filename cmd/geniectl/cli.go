package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/genie"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// environment carries the process dependencies of a CLI run. The session
// fields are filled in by the Before hook once flags are parsed.
type environment struct {
	cfg    *config.ClientConfig
	out    io.Writer
	in     io.Reader
	logger *zap.Logger
	newAPI func(url, token string) genie.SessionAPI

	api   genie.SessionAPI
	store *genie.FileStore
	grant *genie.GrantGenie
	donor *genie.DonorGenie
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(e *environment) *cli.App {
	app := &cli.App{
		Name:    "geniectl",
		Usage:   "Work on grant and donor genie sessions",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api-url", Usage: "Session API base URL (overrides GENIE_API_URL)"},
			&cli.StringFlag{Name: "token", Usage: "Session token (overrides GENIE_TOKEN)"},
			&cli.StringFlag{Name: "state", Usage: "Draft state file (overrides GENIE_STATE_FILE)"},
		},
		Before: e.setup,
		Commands: []*cli.Command{
			grantCmd(e),
			donorCmd(e),
			sessionsCmd(e),
		},
	}
	// Keep errors returned so tests can inspect them.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// setup applies flag overrides and restores the saved drafts.
func (e *environment) setup(c *cli.Context) error {
	if v := c.String("api-url"); v != "" {
		e.cfg.APIURL = v
	}
	if v := c.String("token"); v != "" {
		e.cfg.Token = v
	}
	if v := c.String("state"); v != "" {
		e.cfg.StateFile = v
	}

	e.api = e.newAPI(e.cfg.APIURL, e.cfg.Token)
	e.store = genie.NewFileStore(e.cfg.StateFile)
	e.grant = genie.NewGrantGenie(e.api, e.logger)
	e.donor = genie.NewDonorGenie(e.api, e.logger)

	state, err := e.store.Restore()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	state.Apply(e.grant, e.donor)
	return nil
}

func (e *environment) persist() error {
	if err := e.store.Persist(genie.Capture(e.grant, e.donor)); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func grantCmd(e *environment) *cli.Command {
	return &cli.Command{
		Name:  "grant",
		Usage: "Grant writing session",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Set form fields (projectName, funderName, fundingAmount, deadline, rfpText, teachingMaterials) or sessionName",
				ArgsUsage: "key=value...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "content-file", Usage: "Read the proposal content from a file (- for stdin)"},
				},
				Action: func(c *cli.Context) error {
					pairs, err := parseAssignments(c.Args().Slice())
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					for _, p := range pairs {
						if p.key == "sessionName" {
							e.grant.SetSessionName(p.value)
							continue
						}
						if err := e.grant.SetFormField(p.key, p.value); err != nil {
							return cli.Exit(err.Error(), 1)
						}
					}
					if file := c.String("content-file"); file != "" {
						content, err := e.readInput(file)
						if err != nil {
							return cli.Exit(err.Error(), 1)
						}
						e.grant.SetProposalContent(content)
					}
					return e.persist()
				},
			},
			{
				Name:  "show",
				Usage: "Print the current grant draft",
				Action: func(c *cli.Context) error {
					return e.outputJSON(e.grant.Draft())
				},
			},
			{
				Name:  "save",
				Usage: "Save the grant draft to the server",
				Action: func(c *cli.Context) error {
					id := e.grant.Save(c.Context)
					if id == nil {
						return cli.Exit("failed to save grant session", 1)
					}
					if err := e.persist(); err != nil {
						return err
					}
					return e.outputJSON(map[string]int64{"sessionId": *id})
				},
			},
			{
				Name:      "load",
				Usage:     "Replace the grant draft with a stored session",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := sessionIDArg(c)
					if err != nil {
						return err
					}
					if err := e.grant.Load(c.Context, id); err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return e.persist()
				},
			},
			{
				Name:  "reset",
				Usage: "Discard the grant draft",
				Action: func(c *cli.Context) error {
					e.grant.Reset()
					return e.persist()
				},
			},
			{
				Name:  "export",
				Usage: "Write the proposal as Markdown or HTML",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "html", Usage: "Render HTML instead of Markdown"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (defaults to stdout)"},
				},
				Action: func(c *cli.Context) error {
					w := e.out
					if path := c.String("out"); path != "" {
						f, err := os.Create(path)
						if err != nil {
							return cli.Exit(err.Error(), 1)
						}
						defer f.Close()
						w = f
					}
					if c.Bool("html") {
						if err := e.grant.ExportProposalHTML(w); err != nil {
							return cli.Exit(err.Error(), 1)
						}
						return nil
					}
					if _, err := io.WriteString(w, e.grant.ProposalContent); err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return nil
				},
			},
		},
	}
}

func donorCmd(e *environment) *cli.Command {
	return &cli.Command{
		Name:  "donor",
		Usage: "Donor meeting practice session",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Set scenario fields (donorProfile, donorType, warmthFactor, practiceFormat, ...) or sessionName",
				ArgsUsage: "key=value...",
				Action: func(c *cli.Context) error {
					pairs, err := parseAssignments(c.Args().Slice())
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					cfg := e.donor.SessionConfig
					for _, p := range pairs {
						if p.key == "sessionName" {
							e.donor.SetSessionName(p.value)
							continue
						}
						if err := cfg.SetField(p.key, p.value); err != nil {
							return cli.Exit(err.Error(), 1)
						}
					}
					e.donor.SetSessionConfig(cfg)
					return e.persist()
				},
			},
			{
				Name:      "message",
				Usage:     "Append a conversation turn",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "role", Value: genie.RoleUser, Usage: "user|assistant"},
				},
				Action: func(c *cli.Context) error {
					text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
					if text == "" {
						return cli.Exit("message text is required", 1)
					}
					if err := e.donor.AddMessage(c.String("role"), text); err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return e.persist()
				},
			},
			{
				Name:      "tip",
				Usage:     "Append a coaching tip",
				ArgsUsage: "<text>",
				Action: func(c *cli.Context) error {
					text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
					if text == "" {
						return cli.Exit("tip text is required", 1)
					}
					e.donor.AddCoachingTip(text)
					return e.persist()
				},
			},
			{
				Name:      "score",
				Usage:     "Record the session score",
				ArgsUsage: "<score>",
				Action: func(c *cli.Context) error {
					score, err := strconv.ParseFloat(c.Args().First(), 64)
					if err != nil {
						return cli.Exit("score must be a number", 1)
					}
					e.donor.SetScore(score)
					return e.persist()
				},
			},
			{
				Name:  "show",
				Usage: "Print the current donor draft",
				Action: func(c *cli.Context) error {
					return e.outputJSON(e.donor.Draft())
				},
			},
			{
				Name:  "save",
				Usage: "Save the donor draft to the server",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "active", Usage: "Mark the conversation as still in progress"},
				},
				Action: func(c *cli.Context) error {
					e.donor.SetIsActive(c.Bool("active"))
					id := e.donor.Save(c.Context)
					if id == nil {
						return cli.Exit("failed to save donor session", 1)
					}
					if err := e.persist(); err != nil {
						return err
					}
					return e.outputJSON(map[string]int64{"sessionId": *id})
				},
			},
			{
				Name:      "load",
				Usage:     "Replace the donor draft with a stored session",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := sessionIDArg(c)
					if err != nil {
						return err
					}
					if err := e.donor.Load(c.Context, id); err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return e.persist()
				},
			},
			{
				Name:  "reset",
				Usage: "Discard the donor draft",
				Action: func(c *cli.Context) error {
					e.donor.Reset()
					return e.persist()
				},
			},
		},
	}
}

func sessionsCmd(e *environment) *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Stored genie sessions",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List sessions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "grant_writing|donor_meeting|..."},
					&cli.StringFlag{Name: "status", Usage: "draft|in_progress|completed|archived"},
					&cli.IntFlag{Name: "page", Usage: "Page number"},
					&cli.IntFlag{Name: "limit", Usage: "Page size"},
				},
				Action: func(c *cli.Context) error {
					sessions, page, err := e.api.List(c.Context, genie.ListOptions{
						Page:      c.Int("page"),
						Limit:     c.Int("limit"),
						GenieType: models.GenieType(c.String("type")),
						Status:    models.GenieSessionStatus(c.String("status")),
					})
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					if sessions == nil {
						sessions = []*models.GenieSession{}
					}
					return e.outputJSON(struct {
						Sessions []*models.GenieSession `json:"sessions"`
						Meta     *genie.Page            `json:"meta,omitempty"`
					}{sessions, page})
				},
			},
			{
				Name:      "delete",
				Usage:     "Archive a session, or remove it with --permanent",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "permanent", Usage: "Delete instead of archiving"},
				},
				Action: func(c *cli.Context) error {
					id, err := sessionIDArg(c)
					if err != nil {
						return err
					}
					if err := e.api.Delete(c.Context, id, c.Bool("permanent")); err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return e.outputJSON(map[string]any{"deleted": id, "permanent": c.Bool("permanent")})
				},
			},
		},
	}
}

type assignment struct {
	key   string
	value string
}

// parseAssignments splits key=value arguments. Values may contain '='.
func parseAssignments(args []string) ([]assignment, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one key=value argument")
	}
	out := make([]assignment, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected key=value", arg)
		}
		out = append(out, assignment{key: key, value: value})
	}
	return out, nil
}

func sessionIDArg(c *cli.Context) (int64, error) {
	if c.NArg() != 1 {
		return 0, cli.Exit("expected exactly one session id", 1)
	}
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return 0, cli.Exit(fmt.Sprintf("invalid session id %q", c.Args().First()), 1)
	}
	return id, nil
}

func (e *environment) readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(e.in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (e *environment) outputJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
