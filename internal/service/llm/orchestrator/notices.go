package orchestrator

// User-visible notices sent through the delivery channel
const (
	NoticeInterrupted = "⏹️ Previous response interrupted. Processing new request..."
	NoticeEdited      = "👀 Noticed you edited a message. Revisiting it..."
	NoticeFailed      = "⚠️ Something went wrong while generating a response. Please try again."
	NoticeNotSaved    = "⚠️ The response could not be saved and will be regenerated next time."
)
