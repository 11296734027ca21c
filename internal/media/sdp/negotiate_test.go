package sdp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/switchboard/internal/media/codec"
)

const sampleOffer = "v=0\r\n" +
	"o=- 123456 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=sendrecv\r\n"

func TestParseOffer(t *testing.T) {
	offer, err := Parse([]byte(sampleOffer))
	require.NoError(t, err)
	require.Equal(t, "192.0.2.10", offer.ConnAddr)
	require.Equal(t, 40000, offer.Port)
	require.Equal(t, []string{"0", "8", "101"}, offer.PayloadTypes)
	require.Equal(t, "101", offer.TelephoneType)
	require.False(t, offer.OnHold)
	require.Equal(t, SendRecv, offer.Direction)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse([]byte("not sdp at all"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseHoldOffer(t *testing.T) {
	holdOffer := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.10\r\n" +
		"s=-\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"t=0 0\r\n" +
		"m=audio 0 RTP/AVP 0\r\n"
	offer, err := Parse([]byte(holdOffer))
	require.NoError(t, err)
	require.True(t, offer.OnHold)
}

func TestNegotiatePrefersLocalOrder(t *testing.T) {
	offer, err := Parse([]byte(sampleOffer))
	require.NoError(t, err)

	ans, err := Negotiate(offer, []codec.Codec{codec.PCMA, codec.PCMU}, SendRecv)
	require.NoError(t, err)
	require.Equal(t, codec.PCMA.PayloadType, ans.Codec.PayloadType)
	require.True(t, ans.HasTelephone)
	require.EqualValues(t, 101, ans.TelephoneType)
}

func TestNegotiateNoCommonCodec(t *testing.T) {
	offer := &MediaOffer{PayloadTypes: []string{"9"}}
	_, err := Negotiate(offer, []codec.Codec{codec.PCMU, codec.PCMA}, SendRecv)
	require.ErrorIs(t, err, ErrUnsupportedMedia)
}

func TestBuildAnswerRoundTrips(t *testing.T) {
	offer, err := Parse([]byte(sampleOffer))
	require.NoError(t, err)
	ans, err := Negotiate(offer, []codec.Codec{codec.PCMU, codec.PCMA}, SendRecv)
	require.NoError(t, err)

	body, err := BuildAnswer("203.0.113.5", 30000, ans)
	require.NoError(t, err)

	parsed, err := Parse(body)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.5", parsed.ConnAddr)
	require.Equal(t, 30000, parsed.Port)
	require.Equal(t, []string{"0", "101"}, parsed.PayloadTypes)
}

func TestBuildHoldAnswerUsesPortZero(t *testing.T) {
	body, err := BuildHoldAnswer("203.0.113.5")
	require.NoError(t, err)
	parsed, err := Parse(body)
	require.NoError(t, err)
	require.Equal(t, 0, parsed.Port)
	require.True(t, parsed.OnHold)
}
