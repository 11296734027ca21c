// Package config loads pbxcore's startup configuration: a flag +
// environment-variable loader producing one immutable Config struct,
// merging the shape of services/signaling/config/config.go and
// internal/rtpmanager/config/config.go into a single process's settings
// ("Global config" — parsed once, passed by reference).
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sebas/switchboard/internal/auth"
)

// Config is pbxcore's complete startup configuration, built once in Load
// and never mutated afterward.
type Config struct {
	// SIP transport
	SIPBindAddr   string
	SIPPort       int
	SIPTCPEnabled bool
	AdvertiseAddr string

	// RTP relay
	RTPBindAddr   string
	RTPPortMin    int
	RTPPortMax    int
	LearnWindow   time.Duration
	PortCooldown  time.Duration
	MaxLearnWindow time.Duration // validated at startup; see DESIGN.md open question

	// Dialplan / prompts / storage
	DialplanPath string
	PromptDir    string
	MailboxDir   string
	RecordingDir string
	CDRDir       string

	// Codec preference, in priority order. PCMU/PCMA/telephone-event are
	// always supported; G.722/Opus are config-gated (see DESIGN.md for the
	// codec-ordering decision).
	CodecPrefs []string

	// Auth / registrar
	Realm              string
	DigestAlgorithm    auth.Algorithm
	MinRegisterExpiry  int
	MaxRegisterExpiry  int
	NATKeepalive       time.Duration

	LogLevel  string
	LogFormat string // parsed but not applied: internal/logger always writes text
}

// Load parses flags and environment variables into a Config. Environment
// variables take precedence when both are set, matching the
// signaling/rtpmanager config loaders this package merges.
func Load() *Config {
	cfg := &Config{
		RTPPortMin:        10000,
		RTPPortMax:        20000,
		LearnWindow:       10 * time.Second,
		PortCooldown:      30 * time.Second,
		MaxLearnWindow:    10 * time.Second,
		CodecPrefs:        []string{"PCMU", "PCMA", "G722", "opus", "telephone-event"},
		MinRegisterExpiry: 60,
		MaxRegisterExpiry: 86400,
		NATKeepalive:      28 * time.Second,
		DigestAlgorithm:   auth.AlgorithmMD5,
	}

	flag.StringVar(&cfg.SIPBindAddr, "sip-bind", "0.0.0.0", "SIP UDP/TCP bind address")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5060, "SIP listening port")
	flag.BoolVar(&cfg.SIPTCPEnabled, "sip-tcp", true, "also listen for SIP over TCP")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address advertised in SDP/Contact (auto-detected if empty)")
	flag.StringVar(&cfg.RTPBindAddr, "rtp-bind", "0.0.0.0", "RTP relay bind address")
	flag.IntVar(&cfg.RTPPortMin, "rtp-port-min", cfg.RTPPortMin, "lowest RTP port in the pool")
	flag.IntVar(&cfg.RTPPortMax, "rtp-port-max", cfg.RTPPortMax, "highest RTP port in the pool (exclusive)")
	flag.StringVar(&cfg.DialplanPath, "dialplan", "dialplan.json", "path to the JSON dialplan route table")
	flag.StringVar(&cfg.PromptDir, "prompts", "prompts", "directory of IVR WAV prompts")
	flag.StringVar(&cfg.MailboxDir, "mailboxes", "voicemail", "voicemail mailbox root directory")
	flag.StringVar(&cfg.RecordingDir, "recordings", "recordings", "call recording root directory")
	flag.StringVar(&cfg.CDRDir, "cdr", "cdr", "CDR JSONL output directory")
	flag.StringVar(&cfg.Realm, "realm", "pbxcore", "SIP digest authentication realm")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "logformat", "text", "log output format (accepted but not applied; output is always text)")
	algFlag := flag.String("digest-algorithm", string(auth.AlgorithmMD5), "digest algorithm (MD5 or SHA-256)")

	if !flag.Parsed() {
		flag.Parse()
	}

	cfg.DigestAlgorithm = auth.Algorithm(*algFlag)

	applyEnv(cfg)

	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PBX_SIP_BIND"); v != "" {
		cfg.SIPBindAddr = v
	}
	if v := os.Getenv("PBX_SIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SIPPort = p
		}
	}
	if v := os.Getenv("PBX_ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := os.Getenv("PBX_RTP_PORT_MIN"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMin = p
		}
	}
	if v := os.Getenv("PBX_RTP_PORT_MAX"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMax = p
		}
	}
	if v := os.Getenv("PBX_DIALPLAN"); v != "" {
		cfg.DialplanPath = v
	}
	if v := os.Getenv("PBX_REALM"); v != "" {
		cfg.Realm = v
	}
	if v := os.Getenv("PBX_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func primaryInterfaceIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures much later (port range too small, bad digest algorithm).
func (c *Config) Validate() error {
	if c.RTPPortMax-c.RTPPortMin < 4 {
		return fmt.Errorf("config: RTP port range too small: %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	if c.DigestAlgorithm != auth.AlgorithmMD5 && c.DigestAlgorithm != auth.AlgorithmSHA256 {
		return fmt.Errorf("config: unsupported digest algorithm %q", c.DigestAlgorithm)
	}
	if c.MaxLearnWindow != 10*time.Second {
		return fmt.Errorf("config: symmetric-RTP learn window is fixed at 10s in this core")
	}
	return nil
}
