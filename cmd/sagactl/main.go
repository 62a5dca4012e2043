// Command sagactl inspects the saga log.
//
//	sagactl -db ./data/saga.db history <saga-id>
//	sagactl -db ./data/saga.db latest <saga-id>
//	sagactl -db ./data/saga.db list [-status failed_to_compensate] [-limit 20]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog"
	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog/sqlite"
)

const usage = `usage: sagactl [-db path] <command> [args]

commands:
  history <saga-id>   every transition of a saga
  latest <saga-id>    current state of a saga
  list                sagas by current status (default failed_to_compensate)
`

func main() {
	dbPath := flag.String("db", "./data/saga.db", "path to the saga log database")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	repo, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sagactl: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := run(context.Background(), repo, os.Stdout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "sagactl: %v\n", err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid arguments")

func run(ctx context.Context, r sagalog.Reader, w io.Writer, args []string) error {
	switch cmd, rest := args[0], args[1:]; cmd {
	case "history":
		if len(rest) != 1 {
			return errUsage
		}
		entries, err := r.History(ctx, rest[0])
		if err != nil {
			return err
		}
		render(w, entries)

	case "latest":
		if len(rest) != 1 {
			return errUsage
		}
		entry, err := r.GetLatest(ctx, rest[0])
		if err != nil {
			return err
		}
		render(w, []*sagalog.SagaLog{entry})

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		status := fs.String("status", string(sagalog.StatusFailedToCompensate), "saga status to list")
		limit := fs.Int("limit", 50, "maximum sagas, 0 for all")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		entries, err := r.ListByStatus(ctx, sagalog.Status(*status), *limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(w, "no sagas in status %s\n", *status)
			return nil
		}
		render(w, entries)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

func render(w io.Writer, entries []*sagalog.SagaLog) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Saga", "Status", "Event", "Step", "Errors", "Trace", "At"})
	table.SetAutoWrapText(false)

	for _, e := range entries {
		table.Append([]string{
			e.SagaID,
			string(e.Status),
			string(e.Event),
			e.CurrentStep,
			strings.Join(sagalog.DecodeErrors(e.ErrorMessages), "; "),
			e.TraceID,
			e.UpdatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
}
