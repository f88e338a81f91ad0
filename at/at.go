// Package at holds the AT command dialect shared by the modem driver: wire
// constants, the line splitter and the terminator table that decides whether
// a block of modem output answers the command in flight or is an unsolicited
// network event.
package at

const (
	// Terminal Control
	CR     = "\r"
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"
	Esc    = "\x1b"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// SIM states reported by +CPIN?
	SimReady = "READY"
	SimPin   = "SIM PIN"
	SimPin2  = "SIM PIN2"
	SimPuk   = "SIM PUK"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg          = "+CMTI:"
	UrcNewStatusReport = "+CDSI:"
	UrcCall            = "RING"
	UrcCallerID        = "+CLIP:"
	UrcUSSD            = "+CUSD:"
	UrcSignalStrength  = "+CSQ:"

	// Data prefixes
	RespRegistration = "+CREG:"
	RespSubmit       = "+CMGS:"
	RespList         = "+CMGL:"
	RespRead         = "+CMGR:"
	RespStorage      = "+CPMS:"
	RespIndications  = "+CNMI:"
	RespBattery      = "+CBC:"
)

// Commands issued by the protocol handler. Parameterised commands are built
// with fmt at the call site.
const (
	CmdAt             = "AT"
	CmdReset          = "ATZ"
	CmdEchoOff        = "ATE0"
	CmdVerboseErrors  = "AT+CMEE=1"
	CmdSimStatus      = "AT+CPIN?"
	CmdRegistration   = "AT+CREG?"
	CmdSetTextMode    = "AT+CMGF=1"
	CmdSetPDUMode     = "AT+CMGF=0"
	CmdStorageQuery   = "AT+CPMS=?"
	CmdIndicationsQry = "AT+CNMI=?"
	CmdCallerID       = "AT+CLIP=1"
	CmdHangUp         = "ATH"
	CmdManufacturer   = "AT+CGMI"
	CmdModel          = "AT+CGMM"
	CmdSerialNo       = "AT+CGSN"
	CmdIMSI           = "AT+CIMI"
	CmdRevision       = "AT+CGMR"
	CmdSignal         = "AT+CSQ"
	CmdBattery        = "AT+CBC"
)

// Response codes in the gateway error namespace. CME and CMS codes are offset
// so both families fit one integer space.
const (
	CodeInvalid      = -1
	CodeOK           = 0
	CodeCMEBase      = 5000
	CodeCMSBase      = 6000
	CodeGeneric      = 9000
	CodeUnrecognized = 10000
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)

// EventKind identifies an unsolicited network event.
type EventKind int

const (
	EventNone EventKind = iota
	EventInboundMessage
	EventStatusReport
	EventRing
	EventCallerID
	EventUSSD
)

func (k EventKind) String() string {
	switch k {
	case EventInboundMessage:
		return "inbound-message"
	case EventStatusReport:
		return "status-report"
	case EventRing:
		return "ring"
	case EventCallerID:
		return "caller-id"
	case EventUSSD:
		return "ussd"
	default:
		return "none"
	}
}
