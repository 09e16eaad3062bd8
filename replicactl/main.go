package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"treestate.io/replica"
)

const ReplicaCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Replica control.

Usage:
    replicactl serve --listen=<address> --db=<db_path>
        [--template=<template_path>]
    replicactl watch --url=<url> --jwt=<jwt> [--path=<path>]
    replicactl token --client_id=<client_id> --secret=<secret>
    replicactl demo

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --listen=<address>         Listen address, e.g. :8090.
    --db=<db_path>             Profile database directory.
    --template=<template_path> Default data template (json).
    --url=<url>                Server url, e.g. ws://localhost:8090.
    --jwt=<jwt>                Client token.
    --path=<path>              Dotted path to watch. Watches the root when omitted.
    --client_id=<client_id>    Client id to mint a token for.
    --secret=<secret>          Token signing secret.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddress, _ := opts.String("--listen")
	dbPath, _ := opts.String("--db")

	settings := replica.DefaultSessionStoreSettings()
	if templatePath, err := opts.String("--template"); err == nil && templatePath != "" {
		templateJson, err := os.ReadFile(templatePath)
		if err != nil {
			Err.Fatalf("read template error = %s", err)
		}
		template, err := replica.ParseTemplate(templateJson)
		if err != nil {
			Err.Fatalf("parse template error = %s", err)
		}
		settings.DefaultData = template
	}

	codec := replica.NewMsgpackCodec()
	store, err := replica.NewBadgerProfileStore(codec, replica.DefaultBadgerProfileStoreSettings(dbPath))
	if err != nil {
		Err.Fatalf("open db error = %s", err)
	}
	defer store.Close()

	sessionStore := replica.NewSessionStore(ctx, store, codec, nil, settings)
	defer sessionStore.Close()

	listener := replica.NewWsListenerWithDefaults(ctx, sessionStore, listenAddress)
	defer listener.Close()

	Out.Printf("listening on %s", listenAddress)
	if err := listener.ListenAndServe(); err != nil {
		Err.Fatalf("listen error = %s", err)
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")
	pathStr, _ := opts.String("--path")

	auth := &replica.ClientAuth{
		ByJwt:      jwt,
		InstanceId: replica.NewId(),
		AppVersion: ReplicaCtlVersion,
	}

	transport := replica.NewWsTransportWithDefaults(ctx, url, auth)
	defer transport.Close()

	mirror := replica.NewMirrorStore(ctx, replica.NewMsgpackCodec(), transport)
	defer mirror.Close()

	path := replica.ParsePath(pathStr)
	disconnect := mirror.ListenToValueChanged(path, func(value replica.Value) {
		if value.IsTree() {
			Out.Printf("%s = %s", path, replica.FormatTree(value.Tree()))
		} else {
			Out.Printf("%s = %s", path, value)
		}
	})
	defer disconnect()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func token(opts docopt.Opts) {
	clientIdStr, _ := opts.String("--client_id")
	secret, _ := opts.String("--secret")

	clientId, err := replica.ParseId(clientIdStr)
	if err != nil {
		Err.Fatalf("bad client_id = %s", err)
	}
	jwt, err := replica.MintClientJwt(clientId, secret)
	if err != nil {
		Err.Fatalf("mint error = %s", err)
	}
	Out.Printf("%s", jwt)
}

// in-process end to end walkthrough over the channel transport
func demo(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := replica.NewMsgpackCodec()
	store := replica.NewMemoryProfileStore()
	transport := replica.NewChannelTransport(ctx)
	defer transport.Close()

	settings := replica.DefaultSessionStoreSettings()
	settings.DefaultData = replica.Tree{
		replica.StringKey("Currencies"): replica.TreeValue(replica.Tree{
			replica.StringKey("Money"): replica.Number(10),
		}),
	}
	sessionStore := replica.NewSessionStore(ctx, store, codec, transport, settings)
	defer sessionStore.Close()

	identity := replica.NewId()
	receive := transport.Open(identity)
	defer receive.Close()

	mirror := replica.NewMirrorStore(ctx, codec, receive)
	defer mirror.Close()

	if err := sessionStore.CreateSession(ctx, identity); err != nil {
		Err.Fatalf("create session error = %s", err)
	}

	path := replica.ParsePath("Currencies.Money")
	disconnect := mirror.ListenToValueChanged(path, func(value replica.Value) {
		Out.Printf("%s = %s", path, value)
	})
	defer disconnect()

	for i := 0; i < 5; i += 1 {
		sessionStore.Update(identity, func(tree replica.Tree) {
			money := replica.Resolve(tree, path)
			tree.SetPath(path, replica.Number(money.Number()+5))
		})
		time.Sleep(200 * time.Millisecond)
	}
}
