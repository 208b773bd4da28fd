// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2019, 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Command bplibd wires the engine's components (pool, cache, router,
// custody machine, offload store, introspection surface) into a running
// process, following cmd/dtnd/main.go's parse-config/wait-for-SIGINT/close
// shape.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bplibgo/internal/config"
	"github.com/dtn7/bplibgo/internal/introspect"
	"github.com/dtn7/bplibgo/pkg/bpv7"
	"github.com/dtn7/bplibgo/pkg/cache"
	"github.com/dtn7/bplibgo/pkg/custody"
	"github.com/dtn7/bplibgo/pkg/offload"
	"github.com/dtn7/bplibgo/pkg/pool"
	"github.com/dtn7/bplibgo/pkg/router"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}

// egressEmitter hands a custody machine's outgoing acknowledgement bundles
// back into the cache for normal routing (spec §4.H: "enqueue via the
// normal egress path").
type egressEmitter struct {
	localNode bpv7.EndpointID
	cache     *cache.Cache
	pool      *pool.Pool
}

func (e *egressEmitter) EmitCustodyAcknowledgement(ack bpv7.CustodyAcknowledgement, dest bpv7.EndpointID) error {
	primary := bpv7.NewPrimaryBlock(
		bpv7.AdministrativeRecordPayload,
		dest,
		e.localNode,
		bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0),
		uint64(time.Hour/time.Millisecond),
	)

	block, err := bpv7.AdministrativeRecordToCbor(&ack)
	if err != nil {
		return err
	}

	b, err := bpv7.NewBundle(primary, []bpv7.CanonicalBlock{block})
	if err != nil {
		return err
	}

	ref, err := e.pool.Alloc(pool.TagAPI, pool.PriorityHigh, time.Now().Add(time.Second))
	if err != nil {
		return err
	}

	return e.cache.Accept(ref, b, 0, nil)
}

func wrapPolicyFromConfig(name string) cache.WrapPolicy {
	switch name {
	case "block":
		return cache.WrapBlock
	case "drop":
		return cache.WrapDrop
	default:
		return cache.WrapResend
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	if lvl, lerr := log.ParseLevel(conf.Logging.Level); lerr == nil {
		log.SetLevel(lvl)
	}
	log.SetReportCaller(conf.Logging.ReportCaller)

	localNode, err := bpv7.NewEndpointID(conf.Node.Id)
	if err != nil {
		log.WithError(err).Fatal("Invalid node-id")
	}

	memSize := conf.Cache.MemSize
	if memSize <= 0 {
		memSize = 1 << 24
	}
	p, err := pool.Create(memSize, 1<<12)
	if err != nil {
		log.WithError(err).Fatal("Failed to create memory pool")
	}

	rt := router.New(conf.Router.MaxRoutes)

	activeTableSize := conf.Cache.ActiveTableSize
	if activeTableSize <= 0 {
		activeTableSize = 1024
	}
	retransmitInterval := time.Duration(conf.Cache.RetransmitIntervalMs) * time.Millisecond
	if retransmitInterval <= 0 {
		retransmitInterval = 30 * time.Second
	}

	var offloadStore offload.Store
	if conf.Cache.OffloadDir != "" {
		bs, operr := offload.NewBadgerStore(conf.Cache.OffloadDir)
		if operr != nil {
			log.WithError(operr).Fatal("Failed to open offload store")
		}
		offloadStore = bs
	}

	c := cache.New(cache.Config{
		Pool:               p,
		Router:             rt,
		OffloadStore:       offloadStore,
		ActiveTableSize:    activeTableSize,
		WrapPolicy:         wrapPolicyFromConfig(conf.Cache.WrapPolicy),
		RetransmitInterval: retransmitInterval,
		LocalNode:          localNode,
	})

	ackRate := time.Duration(conf.Custody.AckRateMs) * time.Millisecond
	batchMax := conf.Custody.BatchMax
	if batchMax <= 0 {
		batchMax = bpv7.MaxSeqPerPayload
	}
	cm := custody.New(&egressEmitter{localNode: localNode, cache: c, pool: p}, batchMax, ackRate)
	c.SetCustodyMachine(cm)

	mr := mux.NewRouter()
	introspect.NewServer(mr, p, c, rt, cm)
	go func() {
		if lerr := http.ListenAndServe(":8080", mr); lerr != nil {
			log.WithError(lerr).Warn("introspection server stopped")
		}
	}()

	// The maintenance trigger of spec §4.F/§4.G runs on gocron rather than a
	// hand-rolled ticker goroutine, matching the "periodic job, not a raw
	// timer loop" idiom the rest of the pack reaches for.
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.WithError(err).Fatal("Failed to create maintenance scheduler")
	}
	if _, jerr := sched.NewJob(
		gocron.DurationJob(time.Second),
		gocron.NewTask(c.Maintain),
	); jerr != nil {
		log.WithError(jerr).Fatal("Failed to schedule maintenance job")
	}
	sched.Start()

	log.Info("bplibd started")
	waitSigint()
	if serr := sched.Shutdown(); serr != nil {
		log.WithError(serr).Warn("maintenance scheduler shutdown erred")
	}
	log.Info("Shutting down..")
}
