package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/driftdb/drift/node"
	"github.com/driftdb/drift/pkg/version"
	"github.com/driftdb/drift/replication"
)

var numInstances = flag.Uint("num-instances", 3, "how many nodes to run")
var basePort = flag.Int("base-port", 9690, "the admin port of the first node")
var storeName = flag.String("store", "dev", "the store every node hosts")
var crawlInterval = flag.Duration("crawl-interval", 5*time.Second, "the pause between topology crawls")

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Printf("failed to initialize logging: %s", err)
		os.Exit(1)
	}

	logger.Info("starting drift dev mesh", zap.String("version", version.WithBuildNumberAndRevision()))

	// Every node hosts the same store and points at the next node, which
	// gives the crawler a full ring to walk on every crawl.
	devURL := func(instance uint) string {
		return fmt.Sprintf("http://127.0.0.1:%d", *basePort+int(instance))
	}

	nodes := make([]*node.Node, *numInstances)
	wg := sync.WaitGroup{}

	for i := uint(0); i < *numInstances; i++ {
		nd, err := node.NewNode(&node.Config{
			Logger:        logger.Named(fmt.Sprintf("node%d", i)),
			ServerID:      fmt.Sprintf("dev-%d", i),
			PublicURL:     devURL(i),
			BindAddress:   "127.0.0.1",
			BindAdminPort: *basePort + int(i),
			CrawlInterval: *crawlInterval,
			Stores: []replication.StoreDefinition{{
				Name:               *storeName,
				Kind:               replication.StoreKindDocument,
				ReplicationEnabled: true,
				Destinations: []replication.PeerDestination{{
					URL:   devURL((i + 1) % *numInstances),
					Store: *storeName,
					Kind:  replication.StoreKindDocument,
				}},
			}},
		})
		if err != nil {
			log.Printf("failed to initialize node %d: %s", i, err)
			os.Exit(1)
		}
		nodes[i] = nd

		wg.Add(1)
		go func() {
			defer wg.Done()

			err := nd.Run(context.Background())
			if err != nil {
				log.Printf("failed to run node: %s", err)
				os.Exit(1)
			}
		}()
	}

	logger.Info("dev mesh running",
		zap.Uint("nodes", *numInstances),
		zap.String("topologyURL",
			fmt.Sprintf("%s/admin/replication/topology?store=%s", devURL(0), *storeName)))

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down the dev mesh")
		for _, nd := range nodes {
			nd.Shutdown()
		}
	}()

	wg.Wait()
}
