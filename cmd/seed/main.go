// seed publishes sample device readings to the broker for local testing, so the running
// server ingests, stores and streams them like real traffic.
//
//	go run ./cmd/seed -devices 3 -owners 2 -count 20
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"iot-platform/monitoring-service/internal/config"
)

func main() {
	devices := flag.Int("devices", 3, "number of devices")
	owners := flag.Int("owners", 2, "number of owners; device d belongs to owner (d-1)%owners+1")
	count := flag.Int("count", 10, "readings per device")
	every := flag.Duration("every", time.Minute, "spacing of reading timestamps, ending now")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL).
		SetClientID("monitoring-seed-" + uuid.NewString()[:8]).
		SetUsername(cfg.MQTTUsername).
		SetPassword(cfg.MQTTPassword).
		SetConnectTimeout(10 * time.Second)
	client := paho.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		fmt.Fprintln(os.Stderr, "connect:", tok.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	now := time.Now().UTC()
	published := 0
	for _, r := range readings(*devices, *owners, *count, now, *every) {
		payload, err := json.Marshal(r.payload)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
		tok := client.Publish(r.topic, byte(cfg.MQTTQoS), false, payload)
		if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
			fmt.Fprintf(os.Stderr, "publish %s: %v\n", r.topic, tok.Error())
			os.Exit(1)
		}
		published++
	}
	fmt.Printf("Seed published %d readings to %s.\n", published, cfg.MQTTBrokerURL)
}

type reading struct {
	topic   string
	payload map[string]any
}

// readings returns count readings per device, oldest first, the last one stamped at now.
func readings(devices, owners, count int, now time.Time, every time.Duration) []reading {
	if owners < 1 {
		owners = 1
	}
	out := make([]reading, 0, devices*count)
	for i := 0; i < count; i++ {
		ts := now.Add(-time.Duration(count-1-i) * every)
		for d := 1; d <= devices; d++ {
			phase := float64(i)/4 + float64(d)
			out = append(out, reading{
				topic: fmt.Sprintf("device/%d/telemetry", d),
				payload: map[string]any{
					"device_id":   d,
					"owner_id":    (d-1)%owners + 1,
					"timestamp":   ts.Unix(),
					"temperature": math.Round((21+3*math.Sin(phase))*10) / 10,
					"humidity":    math.Round((55+10*math.Cos(phase))*10) / 10,
				},
			})
		}
	}
	return out
}
