package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowvm/shaper"
)

// shaperDemoCmd reproduces spec.md §8 scenario 6: a root of capacity 10
// with two equal children, six items queued on each, dequeued fairly.
func shaperDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shaper-demo",
		Short: "Run the token shaper fairness scenario and print the dequeue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := shaper.New[string](10)
			a, err := s.Root().CreateChild("a", 0.5, 0.5)
			if err != nil {
				return err
			}
			b, err := s.Root().CreateChild("b", 0.5, 0.5)
			if err != nil {
				return err
			}

			// A cost far above either bucket's tokenCeil forces Send down
			// the enqueue path instead of the immediate-get path.
			const forceQueue = 1 << 30
			for i := 0; i < 6; i++ {
				a.Send(fmt.Sprintf("a-%d", i), forceQueue)
				b.Send(fmt.Sprintf("b-%d", i), forceQueue)
			}

			counts := map[string]int{}
			for i := 0; i < 10; i++ {
				item, ok := s.Root().Dequeue()
				if !ok {
					break
				}
				fmt.Println(item)
				if len(item) > 0 {
					counts[item[:1]]++
				}
			}
			fmt.Printf("a dequeued=%d remaining=%d, b dequeued=%d remaining=%d\n",
				counts["a"], a.Queued(), counts["b"], b.Queued())
			return nil
		},
	}
}
