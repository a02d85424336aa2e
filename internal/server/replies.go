package server

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The dev backend answers locally instead of calling an LLM: it classifies
// the user text by the same intents the production brain uses (budget,
// ingredients, decision, chat) and serves canned Keji replies over the
// identical wire protocol.

type replyKind int

const (
	replyChat replyKind = iota
	replyRecommendation
)

type reply struct {
	kind    replyKind
	text    string
	title   string
	content string
	health  []string
}

type food struct {
	name    string
	price   int
	where   string
	tip     string
	health  []string
	matches []string
}

var foods = []food{
	{
		name:    "Jollof Rice with Chicken",
		price:   1500,
		where:   "most bukkas and food courts",
		tip:     "ask for extra pepper sauce on the side",
		health:  []string{"Good source of carbs for energy", "Chicken adds lean protein"},
		matches: []string{"rice", "chicken", "jollof"},
	},
	{
		name:    "Beans and Plantain",
		price:   800,
		where:   "any mama put near you",
		tip:     "ripe plantain fries sweeter",
		health:  []string{"Beans are rich in fibre and protein", "Plantain brings potassium"},
		matches: []string{"beans", "plantain", "ewa"},
	},
	{
		name:    "Amala with Ewedu and Gbegiri",
		price:   1200,
		where:   "Yoruba spots do it best",
		tip:     "mix the ewedu and gbegiri before you start",
		health:  []string{"Ewedu is packed with vitamins A and C", "Light on the stomach"},
		matches: []string{"amala", "ewedu", "gbegiri", "yam flour"},
	},
	{
		name:    "Moi Moi",
		price:   500,
		where:   "street vendors every morning",
		tip:     "the leaf-wrapped one has more flavour",
		health:  []string{"Steamed, not fried", "High protein, low fat"},
		matches: []string{"moi moi", "moimoi", "beans"},
	},
	{
		name:    "Suya with Onions",
		price:   2000,
		where:   "the mallam at the junction after 6pm",
		tip:     "go easy on the yaji if you can't handle heat",
		health:  []string{"High protein from lean beef", "Onions aid digestion"},
		matches: []string{"suya", "beef", "meat"},
	},
}

var chatReplies = []string{
	"How body? Wetin you wan chop today?",
	"I hear you! Food is serious business. Tell me your budget or what's in your kitchen and I'll sort you out.",
	"No wahala. When hunger catches you, just tell me how much you're working with.",
	"That's a good one! But let's talk food — what are you in the mood for?",
}

var decisionReplies = []string{
	"Correct choice! %s will not disappoint you. Enjoy!",
	"Ah, %s? You sabi food! Go and enjoy yourself.",
}

// longFormReply is streamed in chunks, like the production brain does for
// detailed answers.
const longFormReply = "Okay, let me break it down for you properly. " +
	"First thing: never shop for food when you're already starving, you'll overspend. " +
	"Second: the best value in any bukka is the swallow options — they fill you up for less. " +
	"Third: if you're buying protein, chicken gizzard and beef shaki give you the most for your naira. " +
	"And finally: always ask what was cooked fresh today. The pot that just came off the fire is the pot you want. " +
	"Follow these and your stomach and your wallet will both thank you!"

var budgetRe = regexp.MustCompile(`(?i)(?:₦|\bn)?\s*(\d[\d,]*)\s*(k\b|naira\b|₦)?`)

// classify picks a reply for the user text. The counter makes the plain-chat
// replies rotate deterministically per connection.
func classify(text string, counter int) reply {
	lower := strings.ToLower(text)

	if budget, ok := parseBudget(lower); ok {
		return recommendForBudget(budget)
	}
	if f, ok := matchIngredients(lower); ok {
		return reply{
			kind:    replyRecommendation,
			title:   f.name,
			content: fmt.Sprintf("With what you have, %s is the move. You can find it at %s — %s.", f.name, f.where, f.tip),
			health:  f.health,
		}
	}
	if dish, ok := parseDecision(lower, text); ok {
		return reply{kind: replyChat, text: fmt.Sprintf(decisionReplies[counter%len(decisionReplies)], dish)}
	}
	if strings.Contains(lower, "advice") || strings.Contains(lower, "tips") || len(text) > 200 {
		return reply{kind: replyChat, text: longFormReply}
	}
	return reply{kind: replyChat, text: chatReplies[counter%len(chatReplies)]}
}

func parseBudget(lower string) (int, bool) {
	if !strings.Contains(lower, "naira") && !strings.Contains(lower, "₦") &&
		!strings.Contains(lower, "budget") && !strings.Contains(lower, "spend") {
		return 0, false
	}
	m := budgetRe.FindStringSubmatch(lower)
	if m == nil || m[1] == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0, false
	}
	if strings.HasPrefix(m[2], "k") {
		n *= 1000
	}
	return n, true
}

func recommendForBudget(budget int) reply {
	var best *food
	for i := range foods {
		f := &foods[i]
		if f.price > budget {
			continue
		}
		if best == nil || f.price > best.price {
			best = f
		}
	}
	if best == nil {
		return reply{
			kind: replyChat,
			text: fmt.Sprintf("₦%d is tight o! Add small money make we find you better food. Even moi moi is ₦500.", budget),
		}
	}
	return reply{
		kind:    replyRecommendation,
		title:   best.name,
		content: fmt.Sprintf("For ₦%d, %s is your best option at ₦%d. Get it at %s — %s.", budget, best.name, best.price, best.where, best.tip),
		health:  best.health,
	}
}

func matchIngredients(lower string) (*food, bool) {
	if !strings.Contains(lower, "have") && !strings.Contains(lower, "cook") &&
		!strings.Contains(lower, "ingredient") && !strings.Contains(lower, "kitchen") {
		return nil, false
	}
	for i := range foods {
		for _, m := range foods[i].matches {
			if strings.Contains(lower, m) {
				return &foods[i], true
			}
		}
	}
	return nil, false
}

func parseDecision(lower, original string) (string, bool) {
	for _, prefix := range []string{"i'll take ", "i'll eat ", "i will take ", "going with ", "i choose "} {
		if idx := strings.Index(lower, prefix); idx >= 0 {
			dish := strings.TrimRight(strings.TrimSpace(original[idx+len(prefix):]), ".!?")
			if dish != "" {
				return dish, true
			}
		}
	}
	return "", false
}

// chunkText splits a long reply into sentence-sized pieces for streaming.
func chunkText(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	rest := text
	for len(rest) > maxLen {
		cut := strings.LastIndex(rest[:maxLen], ". ")
		if cut <= 0 {
			cut = maxLen
		} else {
			cut += 1 // keep the period
		}
		chunks = append(chunks, strings.TrimSpace(rest[:cut]))
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
