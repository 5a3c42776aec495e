package client_test

import (
	"context"
	"fmt"

	"github.com/snehjoshi/chatsync/pkg/client"
)

func Example() {
	ctx := context.Background()
	c := client.New("https://chat.example.com/api", client.WithToken("token"))

	msg, err := c.SendMessage(ctx, &client.Message{ChannelID: "general", Content: "hi"})
	if err != nil {
		fmt.Println("send:", err)
		return
	}
	reacted, err := c.React(ctx, msg.ID, "👍", true)
	if err != nil {
		fmt.Println("react:", err)
		return
	}
	fmt.Println(len(reacted.Reactions))
}
