package stealth

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/go-rod/rod"
)

// ScrollToElement brings el into view and pauses the way a person does after
// the viewport jumps. The reading pause stays at 400-1200ms even when the
// configured delays are shorter.
func ScrollToElement(page *rod.Page, el *rod.Element, minDelayMs, maxDelayMs int) error {
	before, err := page.Eval(`() => window.scrollY`)
	if err != nil {
		return fmt.Errorf("read scroll position: %w", err)
	}

	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("scroll into view: %w", err)
	}
	ShortPause(minDelayMs)

	after, err := page.Eval(`() => window.scrollY`)
	if err == nil && after.Value.Num() != before.Value.Num() {
		// The viewport moved, so a person would re-orient before acting.
		time.Sleep(RandomDelay(max(400, minDelayMs), max(1200, maxDelayMs)))
	}
	return nil
}

// SmoothScrollDown splits one scroll into several uneven wheel notches so
// the page moves like a flick rather than a jump. Negative distances scroll
// back up.
func SmoothScrollDown(page *rod.Page, distance int) error {
	r := newRand()
	for _, notch := range scrollNotches(r, distance) {
		if err := page.Mouse.Scroll(0, float64(notch), 1); err != nil {
			return err
		}
		time.Sleep(durationBetween(r, 20, 50))
	}
	return nil
}

// scrollNotches splits distance into 8-12 wheel notches that sum to exactly
// distance. Each notch gets its own random weight so no two gestures share a
// rhythm.
func scrollNotches(r *rand.Rand, distance int) []int {
	if distance == 0 {
		return nil
	}
	count := 8 + r.Intn(5)

	weights := make([]float64, count)
	var total float64
	for i := range weights {
		weights[i] = 0.5 + r.Float64()
		total += weights[i]
	}

	notches := make([]int, count)
	sum := 0
	for i, w := range weights[:count-1] {
		notches[i] = int(float64(distance) * w / total)
		sum += notches[i]
	}
	notches[count-1] = distance - sum
	return notches
}
