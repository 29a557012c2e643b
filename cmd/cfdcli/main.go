package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"

	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
)

const defaultDataDir = "data"

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[cfdcli] %v\n", err)
	os.Exit(1)
}

// openStore opens the daemon's event store directly rather than talking
// to a running process over any RPC: cfdcli is an inspection tool over
// the same event log the daemon folds, not a client of an API surface;
// it only ever reads.
func openStore(ctx *cli.Context) *cfdevent.SQLStore {
	dataDir := ctx.GlobalString("datadir")
	store, err := cfdevent.OpenSQLStore(dataDir)
	if err != nil {
		fatal(fmt.Errorf("opening event store under %s: %w", dataDir, err))
	}
	return store
}

func main() {
	app := cli.NewApp()
	app.Name = "cfdcli"
	app.Version = "0.1.0-cfd"
	app.Usage = "inspect a cfdd event store"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: defaultDataDir,
			Usage: "cfdd data directory containing cfd.db",
		},
	}
	app.Commands = []cli.Command{
		listOrdersCommand,
		showOrderCommand,
		historyCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

var listOrdersCommand = cli.Command{
	Name:  "list",
	Usage: "list every order with at least one event, and its current state",
	Action: func(ctx *cli.Context) error {
		store := openStore(ctx)
		defer store.Close()

		background := context.Background()
		ids, err := store.LoadOrderIds(background)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Order ID", "State", "In-Flight", "Position", "Quantity", "Fee Balance"})

		for _, id := range ids {
			cfd, err := cfdaggregate.Rehydrate(background, store, id)
			if err != nil {
				return fmt.Errorf("rehydrating %s: %w", id, err)
			}
			t.AppendRow(table.Row{
				id.String(), cfd.State.String(), cfd.InFlight.String(),
				cfd.Position.String(), cfd.Quantity.String(), cfd.FeeAccount.Balance().String(),
			})
		}
		t.Render()
		return nil
	},
}

var showOrderCommand = cli.Command{
	Name:      "show",
	Usage:     "show one order's full rehydrated state",
	ArgsUsage: "order_id",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: cfdcli show order_id")
		}
		orderId, err := cfdcore.ParseOrderId(ctx.Args().Get(0))
		if err != nil {
			return fmt.Errorf("parsing order id: %w", err)
		}

		store := openStore(ctx)
		defer store.Close()

		background := context.Background()
		cfd, err := cfdaggregate.Rehydrate(background, store, orderId)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendRow(table.Row{"Order ID", cfd.OrderId.String()})
		t.AppendRow(table.Row{"Counterparty", cfd.CounterpartyPeerId.String()})
		t.AppendRow(table.Row{"Role", cfd.Role.String()})
		t.AppendRow(table.Row{"State", cfd.State.String()})
		t.AppendRow(table.Row{"In-Flight", cfd.InFlight.String()})
		t.AppendRow(table.Row{"Position", cfd.Position.String()})
		t.AppendRow(table.Row{"Opening Price", cfd.OpeningPrice.String()})
		t.AppendRow(table.Row{"Quantity", cfd.Quantity.String()})
		t.AppendRow(table.Row{"Long Leverage", cfd.LongLeverage})
		t.AppendRow(table.Row{"Short Leverage", cfd.ShortLeverage})
		t.AppendRow(table.Row{"Settlement Event", cfd.SettlementEventId})
		t.AppendRow(table.Row{"Fee Balance", cfd.FeeAccount.Balance().String()})
		t.AppendRow(table.Row{"Last Sequence", cfd.LastSequence})
		t.AppendRow(table.Row{"Last Event At", cfd.LastEventAt})
		t.Render()
		return nil
	},
}

var historyCommand = cli.Command{
	Name:      "history",
	Usage:     "print one order's raw event log in sequence order",
	ArgsUsage: "order_id",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: cfdcli history order_id")
		}
		orderId, err := cfdcore.ParseOrderId(ctx.Args().Get(0))
		if err != nil {
			return fmt.Errorf("parsing order id: %w", err)
		}

		store := openStore(ctx)
		defer store.Close()

		events, err := store.Load(context.Background(), orderId)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Seq", "Kind", "Created At", "Payload"})
		for _, e := range events {
			t.AppendRow(table.Row{e.Sequence, string(e.Kind), e.CreatedAt, string(e.Payload)})
		}
		t.Render()
		return nil
	},
}
