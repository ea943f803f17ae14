// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

// MQTT 5.0 reason codes. The same numeric space is shared by CONNACK,
// PUBACK, PUBREC, SUBACK, UNSUBACK, DISCONNECT and AUTH packets.
const (
	CodeSuccess                 byte = 0x00
	CodeGrantedQoS1             byte = 0x01
	CodeGrantedQoS2             byte = 0x02
	CodeDisconnectWithWill      byte = 0x04
	CodeNoMatchingSubscribers   byte = 0x10
	CodeNoSubscriptionExisted   byte = 0x11
	CodeContinueAuth            byte = 0x18
	CodeReAuthenticate          byte = 0x19
	CodeUnspecifiedError        byte = 0x80
	CodeMalformedPacket         byte = 0x81
	CodeProtocolError           byte = 0x82
	CodeImplSpecificError       byte = 0x83
	CodeUnsupportedProtoVersion byte = 0x84
	CodeClientIDNotValid        byte = 0x85
	CodeBadUserNameOrPassword   byte = 0x86
	CodeNotAuthorized           byte = 0x87
	CodeServerUnavailable       byte = 0x88
	CodeServerBusy              byte = 0x89
	CodeBanned                  byte = 0x8A
	CodeServerShuttingDown      byte = 0x8B
	CodeKeepAliveTimeout        byte = 0x8D
	CodeSessionTakenOver        byte = 0x8E
	CodeTopicFilterInvalid      byte = 0x8F
	CodeTopicNameInvalid        byte = 0x90
	CodePacketIDInUse           byte = 0x91
	CodePacketIDNotFound        byte = 0x92
	CodeReceiveMaxExceeded      byte = 0x93
	CodeTopicAliasInvalid       byte = 0x94
	CodePacketTooLarge          byte = 0x95
	CodeMessageRateTooHigh      byte = 0x96
	CodeQuotaExceeded           byte = 0x97
	CodeAdministrativeAction    byte = 0x98
	CodePayloadFormatInvalid    byte = 0x99
	CodeRetainNotSupported      byte = 0x9A
	CodeQoSNotSupported         byte = 0x9B
	CodeUseAnotherServer        byte = 0x9C
	CodeServerMoved             byte = 0x9D
	CodeSharedSubNotSupported   byte = 0x9E
	CodeConnectionRateExceeded  byte = 0x9F
	CodeMaximumConnectTime      byte = 0xA0
	CodeSubIDNotSupported       byte = 0xA1
	CodeWildcardSubNotSupported byte = 0xA2
)

// CodeNames maps reason codes to their specification names.
var CodeNames = map[byte]string{
	CodeSuccess:                 "Success",
	CodeGrantedQoS1:             "Granted QoS 1",
	CodeGrantedQoS2:             "Granted QoS 2",
	CodeDisconnectWithWill:      "Disconnect with Will Message",
	CodeNoMatchingSubscribers:   "No matching subscribers",
	CodeNoSubscriptionExisted:   "No subscription existed",
	CodeContinueAuth:            "Continue authentication",
	CodeReAuthenticate:          "Re-authenticate",
	CodeUnspecifiedError:        "Unspecified error",
	CodeMalformedPacket:         "Malformed Packet",
	CodeProtocolError:           "Protocol Error",
	CodeImplSpecificError:       "Implementation specific error",
	CodeUnsupportedProtoVersion: "Unsupported Protocol Version",
	CodeClientIDNotValid:        "Client Identifier not valid",
	CodeBadUserNameOrPassword:   "Bad User Name or Password",
	CodeNotAuthorized:           "Not authorized",
	CodeServerUnavailable:       "Server unavailable",
	CodeServerBusy:              "Server busy",
	CodeBanned:                  "Banned",
	CodeServerShuttingDown:      "Server shutting down",
	CodeKeepAliveTimeout:        "Keep Alive timeout",
	CodeSessionTakenOver:        "Session taken over",
	CodeTopicFilterInvalid:      "Topic Filter invalid",
	CodeTopicNameInvalid:        "Topic Name invalid",
	CodePacketIDInUse:           "Packet Identifier in use",
	CodePacketIDNotFound:        "Packet Identifier not found",
	CodeReceiveMaxExceeded:      "Receive Maximum exceeded",
	CodeTopicAliasInvalid:       "Topic Alias invalid",
	CodePacketTooLarge:          "Packet too large",
	CodeMessageRateTooHigh:      "Message rate too high",
	CodeQuotaExceeded:           "Quota exceeded",
	CodeAdministrativeAction:    "Administrative action",
	CodePayloadFormatInvalid:    "Payload format invalid",
	CodeRetainNotSupported:      "Retain not supported",
	CodeQoSNotSupported:         "QoS not supported",
	CodeUseAnotherServer:        "Use another server",
	CodeServerMoved:             "Server moved",
	CodeSharedSubNotSupported:   "Shared Subscriptions not supported",
	CodeConnectionRateExceeded:  "Connection rate exceeded",
	CodeMaximumConnectTime:      "Maximum connect time",
	CodeSubIDNotSupported:       "Subscription Identifiers not supported",
	CodeWildcardSubNotSupported: "Wildcard Subscriptions not supported",
}

// MQTT 3.1.1 CONNACK return codes.
const (
	V3Accepted                    byte = 0x00
	V3RefusedBadProtocolVersion   byte = 0x01
	V3RefusedIDRejected           byte = 0x02
	V3RefusedServerUnavailable    byte = 0x03
	V3RefusedBadUsernameOrPasword byte = 0x04
	V3RefusedNotAuthorized        byte = 0x05
)
