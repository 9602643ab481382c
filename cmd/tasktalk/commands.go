package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/tasktalk/internal/auth"
	"github.com/kalambet/tasktalk/internal/chat"
	"github.com/kalambet/tasktalk/internal/config"
	"github.com/kalambet/tasktalk/internal/storage"
)

// --- account ---

type sessionResponse struct {
	User    storage.User `json:"user"`
	Session auth.Session `json:"session"`
}

// credentials reads --email and --password, prompting on in for whatever
// is missing.
func credentials(cmd *cobra.Command) (email, password string, err error) {
	email, _ = cmd.Flags().GetString("email")
	password, _ = cmd.Flags().GetString("password")
	in := bufio.NewReader(cmd.InOrStdin())
	if email == "" {
		if email, err = prompt(in, "Email: "); err != nil {
			return "", "", err
		}
	}
	if password == "" {
		if password, err = prompt(in, "Password: "); err != nil {
			return "", "", err
		}
	}
	return email, password, nil
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return strings.TrimSpace(line), nil
}

func startSession(cmd *cobra.Command, path string, body map[string]any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), path, body)
	if err != nil {
		return err
	}
	var sess sessionResponse
	if err := decodeJSON(resp, &sess); err != nil {
		return err
	}
	if err := client.saveToken(sess.Session.Token); err != nil {
		return err
	}
	printSuccess("Logged in as %s (token expires %s)", sess.User.Email, sess.Session.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and log in",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := credentials(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		return startSession(cmd, "/api/auth/sign-up/email", map[string]any{
			"email":    email,
			"password": password,
			"name":     name,
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := credentials(cmd)
		if err != nil {
			return err
		}
		return startSession(cmd, "/api/auth/sign-in/email", map[string]any{
			"email":    email,
			"password": password,
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.clearToken(); err != nil {
			return err
		}
		printSuccess("Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireToken(); err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/auth/me")
		if err != nil {
			return err
		}
		var me struct {
			User storage.User `json:"user"`
		}
		if err := decodeJSON(resp, &me); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if me.User.Name != "" {
			fmt.Fprintf(out, "%s <%s>\n", me.User.Name, me.User.Email)
		} else {
			fmt.Fprintln(out, me.User.Email)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{signupCmd, loginCmd} {
		c.Flags().String("email", "", "account email")
		c.Flags().String("password", "", "account password (prompted when omitted)")
	}
	signupCmd.Flags().String("name", "", "display name")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to your todo list",
	Long: `Send one message to the assistant, or start an interactive session when no
message is given.

Examples:
  tasktalk chat "add buy milk"
  tasktalk chat "what's on my list?" --conversation 3f2a...
  tasktalk chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, _ := cmd.Flags().GetString("conversation")
		verbose, _ := cmd.Flags().GetBool("verbose")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireToken(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(args) > 0 {
			res, err := sendTurn(cmd.Context(), client, strings.Join(args, " "), conversation)
			if err != nil {
				return err
			}
			writeTurn(out, res, verbose)
			printStatus("Conversation", "%s", res.ConversationID)
			return nil
		}
		return chatREPL(cmd.Context(), client, cmd.InOrStdin(), out, conversation, verbose)
	},
}

func sendTurn(ctx context.Context, client *apiClient, message, conversationID string) (chat.TurnResult, error) {
	body := map[string]any{"message": message}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	resp, err := client.post(ctx, "/api/chat", body)
	if err != nil {
		return chat.TurnResult{}, err
	}
	var res chat.TurnResult
	if err := decodeJSON(resp, &res); err != nil {
		return chat.TurnResult{}, err
	}
	return res, nil
}

func writeTurn(w io.Writer, res chat.TurnResult, verbose bool) {
	if verbose {
		for _, inv := range res.ToolInvocations {
			writeInvocation(w, inv)
		}
	}
	fmt.Fprintln(w, res.Reply)
}

// chatREPL reads one message per line until EOF or "exit". The
// conversation id returned by the first turn is reused for the rest.
func chatREPL(ctx context.Context, client *apiClient, in io.Reader, out io.Writer, conversationID string, verbose bool) error {
	printStep("Type a message, or \"exit\" to quit")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(os.Stderr, colorize(colorBold, "> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		res, err := sendTurn(ctx, client, line, conversationID)
		if err != nil {
			printError("%v", err)
			continue
		}
		conversationID = res.ConversationID
		writeTurn(out, res, verbose)
	}
	return scanner.Err()
}

func init() {
	chatCmd.Flags().String("conversation", "", "continue an existing conversation")
	chatCmd.Flags().BoolP("verbose", "v", false, "show the tool calls made for each turn")
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convos"},
	Short:   "Browse past conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireToken(); err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/conversations?limit="+strconv.Itoa(limit))
		if err != nil {
			return err
		}
		var convs []storage.Conversation
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations yet.")
			return nil
		}
		for _, c := range convs {
			fmt.Fprintf(out, "%s  %s\n", colorize(colorCyan, c.ID), c.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireToken(); err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/conversations/"+url.PathEscape(args[0])+"/messages")
		if err != nil {
			return err
		}
		var msgs []storage.Message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, m := range msgs {
			role := colorize(colorBold, "you")
			if m.Role == storage.RoleAssistant {
				role = colorize(colorGreen, "assistant")
			}
			fmt.Fprintf(out, "%s: %s\n", role, m.Content)
		}
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks directly",
}

func taskArg(s string) (string, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return "", fmt.Errorf("invalid task id %q", s)
	}
	return strconv.FormatInt(id, 10), nil
}

// taskClient returns a logged-in client.
func taskClient() (*apiClient, error) {
	client, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	if err := client.requireToken(); err != nil {
		return nil, err
	}
	return client, nil
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		if _, err := storage.ParseStatusFilter(status); err != nil {
			return err
		}

		client, err := taskClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/tasks?status="+url.QueryEscape(status))
		if err != nil {
			return err
		}
		var tasks []storage.Task
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No tasks.")
			return nil
		}
		for _, t := range tasks {
			writeTask(out, t)
		}
		return nil
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		client, err := taskClient()
		if err != nil {
			return err
		}
		body := map[string]any{"title": strings.Join(args, " ")}
		if description != "" {
			body["description"] = description
		}
		resp, err := client.post(cmd.Context(), "/api/tasks", body)
		if err != nil {
			return err
		}
		var task storage.Task
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}
		printSuccess("Added #%d %q", task.ID, task.Title)
		return nil
	},
}

var tasksEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a task's title or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := taskArg(args[0])
		if err != nil {
			return err
		}
		body := map[string]any{}
		if cmd.Flags().Changed("title") {
			v, _ := cmd.Flags().GetString("title")
			body["title"] = v
		}
		if cmd.Flags().Changed("description") {
			v, _ := cmd.Flags().GetString("description")
			body["description"] = v
		}
		if len(body) == 0 {
			return fmt.Errorf("one of --title or --description is required")
		}

		client, err := taskClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/api/tasks/"+id, body)
		if err != nil {
			return err
		}
		var task storage.Task
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}
		printSuccess("Updated #%d %q", task.ID, task.Title)
		return nil
	},
}

var tasksDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")
		id, err := taskArg(args[0])
		if err != nil {
			return err
		}

		client, err := taskClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/api/tasks/"+id+"/complete", map[string]any{"completed": !undo})
		if err != nil {
			return err
		}
		var task storage.Task
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}
		if task.Completed {
			printSuccess("Completed #%d %q", task.ID, task.Title)
		} else {
			printSuccess("Reopened #%d %q", task.ID, task.Title)
		}
		return nil
	},
}

var tasksRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := taskArg(args[0])
		if err != nil {
			return err
		}

		client, err := taskClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/tasks/"+id)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted #%s", id)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("status", "all", "filter: all, pending or completed")
	tasksAddCmd.Flags().StringP("description", "d", "", "task description")
	tasksEditCmd.Flags().String("title", "", "new title")
	tasksEditCmd.Flags().StringP("description", "d", "", "new description")
	tasksDoneCmd.Flags().Bool("undo", false, "mark the task pending again")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksEditCmd)
	tasksCmd.AddCommand(tasksDoneCmd)
	tasksCmd.AddCommand(tasksRmCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Secret keys are written to the secrets file\n" +
		"in the data dir, everything else to the config file.\n\nKeys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			value = "********"
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
