package services

import (
	"fmt"

	"github.com/itish2003/ragask/models"
)

const userPromptTemplate = "Use the following context to answer the question:\n\n%s\n\nQuestion: %s"

// BuildMessages returns the two messages sent for every question: the fixed
// system instruction and the user turn carrying the retrieved context.
func BuildMessages(systemPrompt, retrievedContext, question string) []models.ChatMessage {
	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: fmt.Sprintf(userPromptTemplate, retrievedContext, question)},
	}
}
