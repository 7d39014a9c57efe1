package notify_test

import (
	"context"
	"fmt"

	"github.com/JakeFAU/buildwatch/internal/notify"
	"github.com/JakeFAU/buildwatch/internal/publisher/memory"
)

func ExampleNotifier_SendEventWithPayload() {
	pub := memory.New()
	n := notify.New(pub, "", nil)
	if err := n.SendEventWithPayload(context.Background(), "github.com/qfarm/qfarm", "", "all-done", "3"); err != nil {
		fmt.Println("error:", err)
		return
	}
	msg := pub.Messages()[0]
	fmt.Println(msg.Topic, string(msg.Payload))
	// Output: events {"repo":"github.com/qfarm/qfarm","type":"all-done","payload":"3"}
}
