// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// ErrUnknownProperty indicates a property identifier outside the
// MQTT 5.0 property space.
var ErrUnknownProperty = errors.New("unknown property identifier")

// Property identifier codes for MQTT 5.0 packet properties.
const (
	PayloadFormatProp          byte = 1
	MessageExpiryProp          byte = 2
	ContentTypeProp            byte = 3
	ResponseTopicProp          byte = 8
	CorrelationDataProp        byte = 9
	SubscriptionIdentifierProp byte = 11
	SessionExpiryIntervalProp  byte = 17
	AssignedClientIDProp       byte = 18
	ServerKeepAliveProp        byte = 19
	AuthMethodProp             byte = 21
	AuthDataProp               byte = 22
	RequestProblemInfoProp     byte = 23
	WillDelayIntervalProp      byte = 24
	RequestResponseInfoProp    byte = 25
	ResponseInfoProp           byte = 26
	ServerReferenceProp        byte = 28
	ReasonStringProp           byte = 31
	ReceiveMaximumProp         byte = 33
	TopicAliasMaximumProp      byte = 34
	TopicAliasProp             byte = 35
	MaximumQoSProp             byte = 36
	RetainAvailableProp        byte = 37
	UserProp                   byte = 38
	MaximumPacketSizeProp      byte = 39
	WildcardSubAvailableProp   byte = 40
	SubIDAvailableProp         byte = 41
	SharedSubAvailableProp     byte = 42
)

// User represents a user property key-value pair.
type User struct {
	Key, Value string
}

// Properties holds the full MQTT 5.0 property set. Optional numeric
// properties are pointers so that absence can be distinguished from the
// zero value.
type Properties struct {
	// PayloadFormat indicates the format of the payload:
	// 0 is unspecified bytes, 1 is UTF-8 character data.
	PayloadFormat *byte
	// MessageExpiry is the lifetime of the message in seconds.
	MessageExpiry *uint32
	// ContentType is a UTF-8 string describing the payload content,
	// for example a MIME type.
	ContentType string
	// ResponseTopic is the topic name to which any response to this
	// message should be sent.
	ResponseTopic string
	// CorrelationData associates response messages with the request.
	CorrelationData []byte
	// SubscriptionIdentifiers are the identifiers of the subscriptions
	// the publish matched. More than one can be present on an outbound
	// publish that matched several subscriptions.
	SubscriptionIdentifiers []int
	// SessionExpiryInterval is the time in seconds after disconnect
	// that the server retains the session state.
	SessionExpiryInterval *uint32
	// AssignedClientID is the server assigned client identifier,
	// returned when a client connected with a zero length one.
	AssignedClientID string
	// ServerKeepAlive overrides the keep alive requested in CONNECT.
	ServerKeepAlive *uint16
	// AuthMethod names the extended authentication method.
	AuthMethod string
	// AuthData carries extended authentication data.
	AuthData []byte
	// RequestProblemInfo asks the server to include Reason String and
	// User Properties on failures.
	RequestProblemInfo *byte
	// WillDelayInterval is the number of seconds the server waits
	// before publishing the will message.
	WillDelayInterval *uint32
	// RequestResponseInfo asks the server to return Response Information.
	RequestResponseInfo *byte
	// ResponseInfo is the basis for creating a Response Topic.
	ResponseInfo string
	// ServerReference names another server the client can use.
	ServerReference string
	// ReasonString is a human readable reason for diagnostics.
	ReasonString string
	// ReceiveMax is the maximum number of QoS 1 and 2 messages allowed
	// to be in flight concurrently.
	ReceiveMax *uint16
	// TopicAliasMax is the highest value accepted as a Topic Alias.
	TopicAliasMax *uint16
	// TopicAlias stands in for the topic string on repeated publishes.
	TopicAlias *uint16
	// MaxQoS is the highest QoS the server supports for publishes.
	MaxQoS *byte
	// RetainAvailable indicates whether retained messages are supported.
	RetainAvailable *byte
	// User is a slice of user provided key-value properties.
	User []User
	// MaximumPacketSize is the largest packet size the sender accepts.
	MaximumPacketSize *uint32
	// WildcardSubAvailable indicates wildcard subscription support.
	WildcardSubAvailable *byte
	// SubIDAvailable indicates subscription identifier support.
	SubIDAvailable *byte
	// SharedSubAvailable indicates shared subscription support.
	SharedSubAvailable *byte
}

// Unpack reads a length-prefixed property block from the reader.
func (p *Properties) Unpack(r io.Reader) error {
	length, err := codec.DecodeVBI(r)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	r = io.LimitReader(r, int64(length))
	for {
		prop, err := codec.DecodeByte(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch prop {
		case PayloadFormatProp:
			pf, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.PayloadFormat = &pf
		case MessageExpiryProp:
			me, err := codec.DecodeUint32(r)
			if err != nil {
				return err
			}
			p.MessageExpiry = &me
		case ContentTypeProp:
			p.ContentType, err = codec.DecodeString(r)
			if err != nil {
				return err
			}
		case ResponseTopicProp:
			p.ResponseTopic, err = codec.DecodeString(r)
			if err != nil {
				return err
			}
		case CorrelationDataProp:
			p.CorrelationData, err = codec.DecodeBytes(r)
			if err != nil {
				return err
			}
		case SubscriptionIdentifierProp:
			si, err := codec.DecodeVBI(r)
			if err != nil {
				return err
			}
			p.SubscriptionIdentifiers = append(p.SubscriptionIdentifiers, si)
		case SessionExpiryIntervalProp:
			sei, err := codec.DecodeUint32(r)
			if err != nil {
				return err
			}
			p.SessionExpiryInterval = &sei
		case AssignedClientIDProp:
			p.AssignedClientID, err = codec.DecodeString(r)
			if err != nil {
				return err
			}
		case ServerKeepAliveProp:
			ska, err := codec.DecodeUint16(r)
			if err != nil {
				return err
			}
			p.ServerKeepAlive = &ska
		case AuthMethodProp:
			p.AuthMethod, err = codec.DecodeString(r)
			if err != nil {
				return err
			}
		case AuthDataProp:
			p.AuthData, err = codec.DecodeBytes(r)
			if err != nil {
				return err
			}
		case RequestProblemInfoProp:
			rpi, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.RequestProblemInfo = &rpi
		case WillDelayIntervalProp:
			wdi, err := codec.DecodeUint32(r)
			if err != nil {
				return err
			}
			p.WillDelayInterval = &wdi
		case RequestResponseInfoProp:
			rri, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.RequestResponseInfo = &rri
		case ResponseInfoProp:
			p.ResponseInfo, err = codec.DecodeString(r)
			if err != nil {
				return err
			}
		case ServerReferenceProp:
			p.ServerReference, err = codec.DecodeString(r)
			if err != nil {
				return err
			}
		case ReasonStringProp:
			p.ReasonString, err = codec.DecodeString(r)
			if err != nil {
				return err
			}
		case ReceiveMaximumProp:
			rm, err := codec.DecodeUint16(r)
			if err != nil {
				return err
			}
			p.ReceiveMax = &rm
		case TopicAliasMaximumProp:
			tam, err := codec.DecodeUint16(r)
			if err != nil {
				return err
			}
			p.TopicAliasMax = &tam
		case TopicAliasProp:
			ta, err := codec.DecodeUint16(r)
			if err != nil {
				return err
			}
			p.TopicAlias = &ta
		case MaximumQoSProp:
			mq, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.MaxQoS = &mq
		case RetainAvailableProp:
			ra, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.RetainAvailable = &ra
		case UserProp:
			k, err := codec.DecodeString(r)
			if err != nil {
				return err
			}
			v, err := codec.DecodeString(r)
			if err != nil {
				return err
			}
			p.User = append(p.User, User{k, v})
		case MaximumPacketSizeProp:
			mps, err := codec.DecodeUint32(r)
			if err != nil {
				return err
			}
			p.MaximumPacketSize = &mps
		case WildcardSubAvailableProp:
			wsa, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.WildcardSubAvailable = &wsa
		case SubIDAvailableProp:
			sia, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.SubIDAvailable = &sia
		case SharedSubAvailableProp:
			ssa, err := codec.DecodeByte(r)
			if err != nil {
				return err
			}
			p.SharedSubAvailable = &ssa
		default:
			return ErrUnknownProperty
		}
	}
}

// Encode serializes the property block, VBI length prefix included.
// Each property value is preceded by its identifier byte.
func (p *Properties) Encode() []byte {
	if p == nil {
		return codec.EncodeVBI(0)
	}
	body := p.encodeBody()
	return append(codec.EncodeVBI(len(body)), body...)
}

func (p *Properties) encodeBody() []byte {
	var ret []byte
	if p.PayloadFormat != nil {
		ret = append(ret, PayloadFormatProp, *p.PayloadFormat)
	}
	if p.MessageExpiry != nil {
		ret = append(ret, MessageExpiryProp)
		ret = append(ret, codec.EncodeUint32(*p.MessageExpiry)...)
	}
	if p.ContentType != "" {
		ret = append(ret, ContentTypeProp)
		ret = append(ret, codec.EncodeString(p.ContentType)...)
	}
	if p.ResponseTopic != "" {
		ret = append(ret, ResponseTopicProp)
		ret = append(ret, codec.EncodeString(p.ResponseTopic)...)
	}
	if len(p.CorrelationData) > 0 {
		ret = append(ret, CorrelationDataProp)
		ret = append(ret, codec.EncodeBytes(p.CorrelationData)...)
	}
	for _, si := range p.SubscriptionIdentifiers {
		ret = append(ret, SubscriptionIdentifierProp)
		ret = append(ret, codec.EncodeVBI(si)...)
	}
	if p.SessionExpiryInterval != nil {
		ret = append(ret, SessionExpiryIntervalProp)
		ret = append(ret, codec.EncodeUint32(*p.SessionExpiryInterval)...)
	}
	if p.AssignedClientID != "" {
		ret = append(ret, AssignedClientIDProp)
		ret = append(ret, codec.EncodeString(p.AssignedClientID)...)
	}
	if p.ServerKeepAlive != nil {
		ret = append(ret, ServerKeepAliveProp)
		ret = append(ret, codec.EncodeUint16(*p.ServerKeepAlive)...)
	}
	if p.AuthMethod != "" {
		ret = append(ret, AuthMethodProp)
		ret = append(ret, codec.EncodeString(p.AuthMethod)...)
	}
	if len(p.AuthData) > 0 {
		ret = append(ret, AuthDataProp)
		ret = append(ret, codec.EncodeBytes(p.AuthData)...)
	}
	if p.RequestProblemInfo != nil {
		ret = append(ret, RequestProblemInfoProp, *p.RequestProblemInfo)
	}
	if p.WillDelayInterval != nil {
		ret = append(ret, WillDelayIntervalProp)
		ret = append(ret, codec.EncodeUint32(*p.WillDelayInterval)...)
	}
	if p.RequestResponseInfo != nil {
		ret = append(ret, RequestResponseInfoProp, *p.RequestResponseInfo)
	}
	if p.ResponseInfo != "" {
		ret = append(ret, ResponseInfoProp)
		ret = append(ret, codec.EncodeString(p.ResponseInfo)...)
	}
	if p.ServerReference != "" {
		ret = append(ret, ServerReferenceProp)
		ret = append(ret, codec.EncodeString(p.ServerReference)...)
	}
	if p.ReasonString != "" {
		ret = append(ret, ReasonStringProp)
		ret = append(ret, codec.EncodeString(p.ReasonString)...)
	}
	if p.ReceiveMax != nil {
		ret = append(ret, ReceiveMaximumProp)
		ret = append(ret, codec.EncodeUint16(*p.ReceiveMax)...)
	}
	if p.TopicAliasMax != nil {
		ret = append(ret, TopicAliasMaximumProp)
		ret = append(ret, codec.EncodeUint16(*p.TopicAliasMax)...)
	}
	if p.TopicAlias != nil {
		ret = append(ret, TopicAliasProp)
		ret = append(ret, codec.EncodeUint16(*p.TopicAlias)...)
	}
	if p.MaxQoS != nil {
		ret = append(ret, MaximumQoSProp, *p.MaxQoS)
	}
	if p.RetainAvailable != nil {
		ret = append(ret, RetainAvailableProp, *p.RetainAvailable)
	}
	for _, u := range p.User {
		ret = append(ret, UserProp)
		ret = append(ret, codec.EncodeString(u.Key)...)
		ret = append(ret, codec.EncodeString(u.Value)...)
	}
	if p.MaximumPacketSize != nil {
		ret = append(ret, MaximumPacketSizeProp)
		ret = append(ret, codec.EncodeUint32(*p.MaximumPacketSize)...)
	}
	if p.WildcardSubAvailable != nil {
		ret = append(ret, WildcardSubAvailableProp, *p.WildcardSubAvailable)
	}
	if p.SubIDAvailable != nil {
		ret = append(ret, SubIDAvailableProp, *p.SubIDAvailable)
	}
	if p.SharedSubAvailable != nil {
		ret = append(ret, SharedSubAvailableProp, *p.SharedSubAvailable)
	}

	return ret
}
