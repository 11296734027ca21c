// Package sdp negotiates SDP offer/answer exchanges for the relay, adapting
// services/rtpmanager/sdp/builder.go's codec-attribute construction into a
// full negotiator over github.com/pion/sdp/v3 session descriptions.
package sdp

import (
	"errors"
	"fmt"

	psdp "github.com/pion/sdp/v3"

	"github.com/sebas/switchboard/internal/media/codec"
)

// ErrMalformed is returned when an SDP body cannot be parsed into the shape
// this negotiator understands.
var ErrMalformed = errors.New("sdp_malformed")

// ErrUnsupportedMedia is returned when an offer contains no audio m-line at
// all, and (wrapped) by Negotiate when no codec is in common. Parse skips
// m-lines for other media; nothing in this package answers them.
var ErrUnsupportedMedia = errors.New("sdp_unsupported_media")

// rtpmapNames maps payload type strings to their rtpmap codec/clock string,
// covering the mandatory set plus the optional G.722/Opus codecs.
var rtpmapNames = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"9":   "G722/8000",
	"96":  "opus/48000/2",
	"101": "telephone-event/8000",
}

// Direction is the negotiated media direction attribute.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// MediaOffer is the parsed, call-relevant subset of an offered or answered
// audio m-section: where to send media and which payload types it offers.
type MediaOffer struct {
	ConnAddr      string
	Port          int
	PayloadTypes  []string // offered order, preserved
	TelephoneType string   // payload type number for telephone-event, if offered
	Direction     Direction
	OnHold        bool // c=0.0.0.0 or port=0: offered with no media, treated as hold
}

// Parse extracts the first audio media section from an SDP body.
func Parse(body []byte) (*MediaOffer, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var audio *psdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, ErrUnsupportedMedia
	}

	connAddr := ""
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		connAddr = audio.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		connAddr = sd.ConnectionInformation.Address.Address
	}

	offer := &MediaOffer{
		ConnAddr:     connAddr,
		Port:         audio.MediaName.Port.Value,
		PayloadTypes: append([]string(nil), audio.MediaName.Formats...),
		Direction:    SendRecv,
	}

	if offer.Port == 0 || connAddr == "0.0.0.0" {
		offer.OnHold = true
	}

	for _, a := range audio.Attributes {
		switch a.Key {
		case "rtpmap":
			if len(a.Value) >= 4 && a.Value[:4] == "101 " || containsTelephoneEvent(a.Value) {
				offer.TelephoneType = firstToken(a.Value)
			}
		case "sendonly":
			offer.Direction = SendOnly
		case "recvonly":
			offer.Direction = RecvOnly
		case "inactive":
			offer.Direction = Inactive
		case "sendrecv":
			offer.Direction = SendRecv
		}
	}

	return offer, nil
}

func containsTelephoneEvent(rtpmap string) bool {
	return len(rtpmap) > 0 && (indexOf(rtpmap, "telephone-event") >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func firstToken(s string) string {
	for i, c := range s {
		if c == ' ' {
			return s[:i]
		}
	}
	return s
}

// Answer is the negotiated result: the single selected audio codec (plus
// telephone-event, if both sides offered it) and the direction to echo.
type Answer struct {
	Codec         codec.Codec
	TelephoneType uint8
	HasTelephone  bool
	Direction     Direction
}

// Negotiate intersects an offer's payload types against localPrefs, taking
// the first local preference the offer also lists, and selects exactly one
// audio codec plus telephone-event if both sides offered it.
// requestedDirection lets the B2BUA downgrade to sendonly/recvonly on hold.
func Negotiate(offer *MediaOffer, localPrefs []codec.Codec, requestedDirection Direction) (*Answer, error) {
	offered := make(map[string]bool, len(offer.PayloadTypes))
	for _, pt := range offer.PayloadTypes {
		offered[pt] = true
	}

	var selected *codec.Codec
	for _, c := range localPrefs {
		if offered[fmt.Sprint(c.PayloadType)] {
			sel := c
			selected = &sel
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("%w: no common codec", ErrUnsupportedMedia)
	}

	ans := &Answer{Codec: *selected, Direction: requestedDirection}
	if offer.TelephoneType != "" {
		var pt uint8
		if _, err := fmt.Sscanf(offer.TelephoneType, "%d", &pt); err == nil {
			ans.TelephoneType = pt
			ans.HasTelephone = true
		}
	}
	return ans, nil
}

// BuildAnswer renders the negotiated answer as an SDP body advertising
// relayAddr:relayPort in a single audio m-line. Any other m-lines of the
// offer are left out of the answer; they are not echoed with port 0.
func BuildAnswer(relayAddr string, relayPort int, ans *Answer) ([]byte, error) {
	formats := []string{fmt.Sprint(ans.Codec.PayloadType)}
	attrs := []psdp.Attribute{
		{Key: "rtpmap", Value: fmt.Sprintf("%d %s", ans.Codec.PayloadType, rtpmapNames[fmt.Sprint(ans.Codec.PayloadType)])},
	}
	if ans.HasTelephone {
		formats = append(formats, fmt.Sprint(ans.TelephoneType))
		attrs = append(attrs,
			psdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", ans.TelephoneType)},
			psdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-16", ans.TelephoneType)},
		)
	}
	attrs = append(attrs, psdp.Attribute{Key: "ptime", Value: "20"}, psdp.Attribute{Key: string(ans.Direction)})

	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username: "pbxcore", SessionID: 1, SessionVersion: 1,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: relayAddr,
		},
		SessionName: "pbxcore",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN", AddressType: "IP4",
			Address: &psdp.Address{Address: relayAddr},
		},
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{}}},
		MediaDescriptions: []*psdp.MediaDescription{{
			MediaName: psdp.MediaName{
				Media:   "audio",
				Port:    psdp.RangedPort{Value: relayPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return sd.Marshal()
}

// BuildOffer renders an SDP offer advertising relayAddr:relayPort for the
// far leg the B2BUA places outbound, listing codecs in preference order
// plus telephone-event so the far end may negotiate RFC 2833 DTMF.
func BuildOffer(relayAddr string, relayPort int, codecs []codec.Codec, telephoneEventPT uint8) ([]byte, error) {
	if len(codecs) == 0 {
		return nil, fmt.Errorf("sdp: BuildOffer requires at least one codec")
	}

	formats := make([]string, 0, len(codecs)+1)
	attrs := make([]psdp.Attribute, 0, len(codecs)+2)
	for _, c := range codecs {
		pt := fmt.Sprint(c.PayloadType)
		formats = append(formats, pt)
		if name, ok := rtpmapNames[pt]; ok {
			attrs = append(attrs, psdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d %s", c.PayloadType, name)})
		}
	}
	formats = append(formats, fmt.Sprint(telephoneEventPT))
	attrs = append(attrs,
		psdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", telephoneEventPT)},
		psdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-16", telephoneEventPT)},
		psdp.Attribute{Key: "ptime", Value: "20"},
		psdp.Attribute{Key: string(SendRecv)},
	)

	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username: "pbxcore", SessionID: 1, SessionVersion: 1,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: relayAddr,
		},
		SessionName: "pbxcore",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN", AddressType: "IP4",
			Address: &psdp.Address{Address: relayAddr},
		},
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{}}},
		MediaDescriptions: []*psdp.MediaDescription{{
			MediaName: psdp.MediaName{
				Media:   "audio",
				Port:    psdp.RangedPort{Value: relayPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return sd.Marshal()
}

// BuildHoldAnswer answers an unsupported or on-hold m-line with port 0,
// the RFC 3264 convention for rejecting a media section.
func BuildHoldAnswer(relayAddr string) ([]byte, error) {
	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username: "pbxcore", SessionID: 1, SessionVersion: 1,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: relayAddr,
		},
		SessionName:      "pbxcore",
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{}}},
		MediaDescriptions: []*psdp.MediaDescription{{
			MediaName: psdp.MediaName{
				Media:   "audio",
				Port:    psdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0"},
			},
		}},
	}
	return sd.Marshal()
}
