package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/kafka"
)

var reasons = []string{
	"Helping with a raid",
	"Hosting an event",
	"Carrying a new member",
	"Great drop",
	"Answering questions",
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "clan-points-awards", "Kafka topic")
	giver := flag.String("giver", "", "Giver identity for a single award")
	recipient := flag.String("recipient", "", "Recipient identity for a single award")
	points := flag.Int64("points", 1, "Points for a single award")
	reason := flag.String("reason", "", "Reason for a single award")
	identities := flag.String("identities", "", "Comma-separated identities for synthetic awards")
	rate := flag.Int("rate", 5, "Synthetic awards per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	brokerList := strings.Split(*brokers, ",")

	if *giver != "" || *recipient != "" {
		if err := sendOne(brokerList, config, *topic, domain.PointsAward{
			GiverUID:     *giver,
			RecipientUID: *recipient,
			Points:       *points,
			Reason:       *reason,
			EventID:      uuid.NewString(),
			Timestamp:    time.Now().UTC(),
		}); err != nil {
			log.Fatalf("Failed to send award: %v", err)
		}
		fmt.Println("Award sent")
		return
	}

	ids := splitNonEmpty(*identities)
	if len(ids) < 2 {
		log.Fatal("synthetic mode needs at least two -identities")
	}
	if *rate <= 0 {
		log.Fatal("-rate must be positive")
	}

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func(msg string) {
		fmt.Println(msg)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	fmt.Printf("Publishing synthetic awards to %s at %d/sec, Ctrl+C to stop\n", *topic, *rate)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	for {
		select {
		case <-sigChan:
			shutdown("Shutting down...")
			return
		case <-deadline:
			shutdown("Duration reached, shutting down...")
			return
		case <-ticker.C:
			award := randomAward(ids)
			msg, err := message(*topic, award)
			if err != nil {
				log.Printf("Failed to encode award: %v", err)
				continue
			}
			producer.Input() <- msg
		}
	}
}

func sendOne(brokers []string, config *sarama.Config, topic string, award domain.PointsAward) error {
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return fmt.Errorf("creating producer: %w", err)
	}
	defer producer.Close()

	msg, err := message(topic, award)
	if err != nil {
		return err
	}
	_, _, err = producer.SendMessage(msg)
	return err
}

func message(topic string, award domain.PointsAward) (*sarama.ProducerMessage, error) {
	data, err := kafka.EncodeAward(award)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(award.RecipientUID),
		Value: sarama.ByteEncoder(data),
	}, nil
}

func randomAward(ids []string) domain.PointsAward {
	giver := rand.Intn(len(ids))
	recipient := rand.Intn(len(ids) - 1)
	if recipient >= giver {
		recipient++
	}
	return domain.PointsAward{
		GiverUID:     ids[giver],
		RecipientUID: ids[recipient],
		Points:       int64(rand.Intn(3) + 1),
		Reason:       reasons[rand.Intn(len(reasons))],
		EventID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
