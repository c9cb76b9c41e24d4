package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/companion-protocol/companion-go/internal/fakes"
	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/config"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/manager"
	"github.com/google/uuid"
)

// demoRecipient is the feature endpoint the CLI sends messages to.
var demoRecipient = uuid.MustParse("b75d6a81-635b-4560-bd8d-9cdf5f7d8343")

// sessionConfig collects the collaborators the interactive session needs.
type sessionConfig struct {
	queue          *dispatch.Queue
	central        *fakes.Central
	store          keystore.Store
	overlay        config.Overlay
	logger         *slog.Logger
	protocolLogger log.Logger
}

// session is the interactive command loop state.
type session struct {
	cfg sessionConfig
	mgr *manager.Manager
	car *fakes.Car

	mu      sync.Mutex
	channel *channel.SecuredChannel
	carID   string
}

func newSession(cfg sessionConfig) *session {
	return &session{cfg: cfg}
}

// callbacks wires manager events to console output.
func (s *session) callbacks() manager.Callbacks {
	return manager.Callbacks{
		OnPairingCode: func(code string) {
			fmt.Printf("\nPairing code: %s  (type 'accept' or 'reject')\n> ", code)
		},
		OnAssociated: func(car keystore.Car, ch *channel.SecuredChannel) {
			s.setChannel(car.ID, ch)
			fmt.Printf("\nAssociated with %s (%s)\n> ", car.Name, car.ID)
		},
		OnReconnected: func(car keystore.Car, ch *channel.SecuredChannel) {
			s.setChannel(car.ID, ch)
			fmt.Printf("\nReconnected to %s (%s), role %s\n> ", car.Name, car.ID, ch.Role())
		},
		OnAssociationFailed: func(err error) {
			fmt.Printf("\nAssociation failed: %v\n> ", err)
		},
		OnDisconnected: func(carID string) {
			fmt.Printf("\nDisconnected from %s\n> ", carID)
		},
		OnDissociated: func(carID string) {
			s.setChannel("", nil)
			fmt.Printf("\nDissociated %s\n> ", carID)
		},
	}
}

func (s *session) setChannel(carID string, ch *channel.SecuredChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carID = carID
	s.channel = ch
}

func (s *session) currentChannel() (*channel.SecuredChannel, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil || !s.channel.IsValid() {
		return nil, "", false
	}
	return s.channel, s.carID, true
}

// runLoop reads commands until quit or EOF.
func (s *session) runLoop() {
	reader := bufio.NewReader(os.Stdin)
	s.printHelp()

	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			s.printHelp()
		case "scan":
			s.cmdScan()
		case "accept":
			s.onQueue(s.mgr.NotifyPairingCodeAccepted)
		case "reject":
			s.onQueue(s.mgr.NotifyPairingCodeRejected)
		case "cars":
			s.cmdCars()
		case "rename":
			s.cmdRename(fields[1:])
		case "send":
			s.cmdSend(strings.TrimSpace(strings.TrimPrefix(line, "send")))
		case "reconnect":
			s.cmdReconnect()
		case "dissociate":
			s.cmdDissociate()
		case "status":
			s.cmdStatus()
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q; type 'help'\n", fields[0])
		}
	}
}

func (s *session) printHelp() {
	fmt.Println(`Commands:
  scan            - scan for the simulated car and associate
  accept          - accept the displayed pairing code
  reject          - reject the displayed pairing code
  cars            - list associated cars
  rename <name>   - rename the associated car
  send <text>     - send an encrypted message to the car
  reconnect       - drop the link and reconnect anonymized
  dissociate      - remove the associated car
  status          - show manager status
  quit            - exit`)
}

// onQueue hops a manager call onto the dispatch queue.
func (s *session) onQueue(fn func()) {
	if err := s.cfg.queue.Sync(fn); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (s *session) cmdScan() {
	s.onQueue(func() { s.mgr.ScanForAssociation("") })
	fmt.Println("scanning for association...")
}

func (s *session) cmdCars() {
	cars := s.mgr.AssociatedCars()
	if len(cars) == 0 {
		fmt.Println("no associated cars")
		return
	}
	for _, car := range cars {
		fmt.Printf("  %s  %s\n", car.ID, car.Name)
	}
}

func (s *session) cmdRename(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: rename <name>")
		return
	}
	_, carID, ok := s.currentChannel()
	if !ok {
		cars := s.mgr.AssociatedCars()
		if len(cars) == 0 {
			fmt.Println("no associated car")
			return
		}
		carID = cars[0].ID
	}
	name := strings.Join(args, " ")
	s.onQueue(func() {
		if err := s.mgr.RenameCar(carID, name); err != nil {
			fmt.Printf("rename failed: %v\n", err)
		}
	})
}

func (s *session) cmdSend(text string) {
	if text == "" {
		fmt.Println("usage: send <text>")
		return
	}
	ch, _, ok := s.currentChannel()
	if !ok {
		fmt.Println("no live channel; associate or reconnect first")
		return
	}
	s.onQueue(func() {
		err := ch.WriteEncrypted([]byte(text), demoRecipient, func(success bool) {
			if success {
				fmt.Printf("\nDelivered.\n> ")
			} else {
				fmt.Printf("\nDelivery failed.\n> ")
			}
		})
		if err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	})

	// Show what the car decrypted.
	time.Sleep(50 * time.Millisecond)
	msgs := s.car.ReceivedFor(demoRecipient)
	if len(msgs) > 0 {
		fmt.Printf("car inbox now holds %d message(s); last: %q\n", len(msgs), string(msgs[len(msgs)-1]))
	}
}

func (s *session) cmdReconnect() {
	_, _, ok := s.currentChannel()
	if ok {
		s.cfg.central.DropConnection(s.car.Peripheral(), nil)
		time.Sleep(20 * time.Millisecond)
	}
	if err := s.car.AdvertiseReconnection(true); err != nil {
		fmt.Printf("cannot reconnect: %v\n", err)
		return
	}
	s.onQueue(s.mgr.ScanForReconnection)
	fmt.Println("scanning for reconnection...")
}

func (s *session) cmdDissociate() {
	_, carID, ok := s.currentChannel()
	if !ok {
		cars := s.mgr.AssociatedCars()
		if len(cars) == 0 {
			fmt.Println("no associated car")
			return
		}
		carID = cars[0].ID
	}
	s.onQueue(func() {
		if err := s.mgr.Dissociate(carID); err != nil {
			fmt.Printf("dissociate failed: %v\n", err)
		}
	})
}

func (s *session) cmdStatus() {
	fmt.Printf("radio: %s\n", s.cfg.central.State())
	fmt.Printf("scanning: %v\n", s.cfg.central.Scanning())
	if _, carID, ok := s.currentChannel(); ok {
		fmt.Printf("channel: live (car %s)\n", carID)
	} else {
		fmt.Println("channel: none")
	}
	fmt.Printf("associated cars: %d\n", len(s.mgr.AssociatedCars()))
}
