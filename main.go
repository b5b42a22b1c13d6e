package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"

	"github.com/pranitl/image2model/batch"
	"github.com/pranitl/image2model/events"
	"github.com/pranitl/image2model/meshclient"
	"github.com/pranitl/image2model/stream"
	"github.com/pranitl/image2model/tasks"
	"github.com/pranitl/image2model/tracker"
	"github.com/pranitl/image2model/workpool"
)

var log = logging.MustGetLogger("log")

// InitLogger Receives the log level to be set in go-logging as a string. This method
// parses the string and set the level to the logger. If the level string is not
// valid an error is returned
func InitLogger(logLevel string) error {
	baseBackend := logging.NewLogBackend(os.Stdout, "", 0)
	format := logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05} %{level:.5s}     %{message}`,
	)
	backendFormatter := logging.NewBackendFormatter(baseBackend, format)

	backendLeveled := logging.AddModuleLevel(backendFormatter)
	logLevelCode, err := logging.LogLevel(logLevel)
	if err != nil {
		return err
	}
	backendLeveled.SetLevel(logLevelCode, "")

	logging.SetBackend(backendLeveled)
	return nil
}

func main() {
	config, err := InitConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}

	if err := InitLogger(config.LogLevel); err != nil {
		log.Fatalf("%s", err)
	}

	log.Debugf("Config: %+v", config)

	trk, err := tracker.New(config.TrackerStateDir)
	if err != nil {
		log.Fatalf("Failed to open progress tracker: %v", err)
	}

	taskStore := tasks.NewStore()
	results := batch.NewResultStore()

	pool := workpool.New(config.QueueSize)
	pool.Start(config.WorkerCount)

	client := meshclient.New(meshclient.Config{
		BaseURL:     config.MeshBaseURL,
		APIKey:      config.MeshAPIKey,
		ArtifactDir: config.ArtifactDir,
	})

	var publisher events.Publisher
	var cancelConsumer *events.CancelConsumer
	var conn *events.Connection
	if config.RabbitAddress != "" {
		conn, err = events.Dial(config.RabbitAddress)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		producer, err := events.NewProducer(conn, config.LifecycleExchange)
		if err != nil {
			log.Fatalf("Failed to create lifecycle producer: %v", err)
		}
		publisher = producer

		cancelConsumer, err = events.NewCancelConsumer(conn, config.CancelQueue)
		if err != nil {
			log.Fatalf("Failed to create cancel consumer: %v", err)
		}
	}

	orchestrator := batch.NewOrchestrator(client, trk, taskStore, pool, results, publisher)
	multiplexer := stream.NewMultiplexer(stream.NewStoreSource(taskStore), trk, stream.Config{})
	server := NewServer(config.ListeningAddress, orchestrator, multiplexer, trk, results)

	if cancelConsumer != nil {
		go func() {
			if err := cancelConsumer.StartConsuming(func(taskID string) {
				if !orchestrator.Cancel(taskID) {
					log.Warningf("cancel request for unknown or finished task %s", taskID)
				}
			}); err != nil {
				log.Errorf("Cancel consumer stopped: %v", err)
			}
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Server stopped: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infof("Received signal %s, shutting down...", sig)

	pool.Stop()
	if cancelConsumer != nil {
		cancelConsumer.Close()
	}
	if publisher != nil {
		publisher.Close()
	}
	if conn != nil {
		conn.Close()
	}
	if err := trk.Close(); err != nil {
		log.Errorf("Failed to close tracker: %v", err)
	}
}
