package generator

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Draft is the usable result of one generation round.
type Draft struct {
	Title   string
	Content string
	// Raw is the untouched model reply, kept for the conversation history.
	Raw string
	// Matched is false when no title/content pair was found and Content is
	// the raw reply.
	Matched bool
}
