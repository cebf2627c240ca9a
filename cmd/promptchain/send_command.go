package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"promptchain/internal/cli"
	"promptchain/internal/ephor"
	"promptchain/internal/retry"
	"promptchain/internal/stream"
	"promptchain/internal/workflow"
)

type sendOutput struct {
	MessageID string            `json:"message_id"`
	ReplyID   string            `json:"reply_id,omitempty"`
	PerModel  map[string]string `json:"by_model"`
	Missing   []string          `json:"missing,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Cost      *float64          `json:"cost,omitempty"`
}

func runSendCommand(ctx context.Context, args []string, cio commandIO) int {
	fs := flag.NewFlagSet("promptchain send", flag.ContinueOnError)
	fs.SetOutput(cio.stderr)
	common := addCommonFlags(fs)
	var models cli.StringList
	fs.Var(&models, "model", "Model to ask, repeatable or comma separated (default: gpt-4o)")
	parent := fs.String("parent", "", "Parent message id")
	project := fs.String("project", "", "Backend project id")
	channel := fs.String("channel", "", "Backend channel id")
	mode := fs.String("mode", "", "Connection mode: stream or multiplexer")
	instructions := fs.String("instructions", "", "Custom instructions sent with the query")
	jsonOutput := fs.Bool("json", false, "Print the reply as JSON")
	if ok, code := parseFlags(fs, args, common, printSendHelp, cio.stdout); !ok {
		return code
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" || text == "-" {
		data, err := io.ReadAll(cio.stdin)
		if err != nil {
			fmt.Fprintf(cio.stderr, "read stdin: %v\n", err)
			return exitFailed
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		fs.Usage()
		return exitUsage
	}
	if len(models) == 0 {
		models = cli.StringList{ephor.DefaultModel}
	}

	extra := map[string]any{}
	if strings.TrimSpace(*mode) != "" {
		extra["workflow.connection_mode"] = *mode
	}
	settings, _, err := common.loadSettings(cio.environ, extra)
	if err != nil {
		return exitCodeFor(err, cio.stderr)
	}
	logger := newLogger(settings, cio.stderr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSignals := watchShutdownSignals(logger, cancel, cio.signals)
	defer stopSignals()

	rt, err := newRuntime(ctx, settings, logger)
	if err != nil {
		return exitCodeFor(err, cio.stderr)
	}
	defer rt.Close(context.WithoutCancel(ctx))

	query := ephor.Query{
		Text:            workflow.WithInstructions(strings.TrimSpace(*instructions), text),
		Models:          models,
		ParentMessageID: strings.TrimSpace(*parent),
		ProjectID:       firstNonEmpty(*project, settings.Backend.ProjectID),
		ChannelID:       firstNonEmpty(*channel, settings.Backend.ChannelID),
	}.WithMessageID()

	policy := settings.Retry.Policy()
	policy.Logger = logger
	policy.Metrics = rt.metrics

	output := sendOutput{MessageID: query.MessageID}
	if settings.Workflow.ConnectionMode == workflow.ConnectionMultiplexer {
		response, err := retry.Do(ctx, policy, "send", func(ctx context.Context) (ephor.ChatResponse, error) {
			return rt.client.Chat(ctx, query)
		})
		if err != nil {
			fmt.Fprintln(cio.stderr, err.Error())
			return exitFailed
		}
		output.PerModel = map[string]string{models[0]: response.Output}
		output.Cost = response.Cost
	} else {
		result, err := retry.Do(ctx, policy, "send", func(ctx context.Context) (stream.Result, error) {
			return rt.transport.Send(ctx, query, nil)
		})
		if err != nil {
			fmt.Fprintln(cio.stderr, err.Error())
			return exitFailed
		}
		output.ReplyID = result.ReplyID
		output.PerModel = result.PerModel
		output.Missing = result.Missing
		output.Reason = string(result.Reason)
	}

	if common.metrics {
		_ = rt.metrics.WritePrometheus(cio.stderr)
	}
	if *jsonOutput {
		encoder := json.NewEncoder(cio.stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			fmt.Fprintf(cio.stderr, "write reply: %v\n", err)
			return exitFailed
		}
		return exitOK
	}
	fmt.Fprintln(cio.stdout, workflow.Combine(models, output.PerModel))
	if len(output.Missing) > 0 {
		fmt.Fprintf(cio.stderr, "no reply from: %s\n", strings.Join(output.Missing, ", "))
	}
	return exitOK
}

func printSendHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: promptchain send [options] [text]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Send one query to the selected models and print the replies. Without text")
	fmt.Fprintln(out, "the query is read from stdin.")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "--model NAME", "Model to ask, repeatable (default: gpt-4o)")
	writeOption(out, "--parent ID", "Parent message id")
	writeOption(out, "--project ID", "Backend project id")
	writeOption(out, "--channel ID", "Backend channel id")
	writeOption(out, "--mode MODE", "stream or multiplexer")
	writeOption(out, "--instructions TEXT", "Custom instructions")
	writeOption(out, "--json", "Print the reply as JSON")
	printCommonOptions(out)
}
