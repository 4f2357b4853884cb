package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"reflexduel/internal/cli"
	"reflexduel/internal/duel"
	"reflexduel/internal/notify"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

// promptSecret hides input on a terminal and falls back to a plain read when
// stdin is piped.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderBattle(b duel.Battle, viewerID string) {
	accent.Printf("Battle %s\n", b.ID)
	fmt.Printf("  status      %s\n", statusLabel(b.Status))
	fmt.Printf("  stake       %d %s\n", b.StakeAmount, b.StakeType)
	fmt.Printf("  creator     %s%s  %s\n", b.CreatorID, youMarker(b.CreatorID, viewerID), reactionLabel(b.CreatorReactionMS))
	fmt.Printf("  opponent    %s%s  %s\n", b.OpponentID, youMarker(b.OpponentID, viewerID), reactionLabel(b.OpponentReactionMS))
	fmt.Printf("  arena       %.4f, %.4f\n", b.Arena.Lat, b.Arena.Lng)
	if b.Status == duel.StatusResolved {
		if b.WinnerID == viewerID {
			success.Printf("  winner      %s (you)\n", b.WinnerID)
		} else {
			danger.Printf("  winner      %s\n", b.WinnerID)
		}
		if b.ResolvedAt != nil {
			fmt.Printf("  resolved    %s\n", b.ResolvedAt.Local().Format(time.RFC1123))
		}
	}
}

func renderResolve(res cli.ResolveResponse, viewerID string) {
	if res.Incomplete() {
		printWarn("Waiting on a tap. Resolve again once both sides have tapped.")
		return
	}
	r := res.Result
	if res.AlreadyResolved {
		printInfo(fmt.Sprintf("Battle %s was already resolved.", r.BattleID))
	}
	line := fmt.Sprintf("%s won %d %s: %dms vs %dms", r.WinnerID, r.TransferredAmount, r.StakeType, r.WinnerReactionMS, r.LoserReactionMS)
	switch viewerID {
	case r.WinnerID:
		printSuccess("Victory! " + line)
	case r.LoserID:
		printError("Defeated. " + line)
	default:
		printInfo(line)
	}
}

func renderGhost(g cli.GhostResponse) {
	accent.Println("Ghost mode")
	fmt.Printf("  losses in a row  %d\n", g.GhostMode.ConsecutiveLosses)
	if g.InForce && g.GhostMode.GhostUntil != nil {
		warn.Printf("  active until     %s\n", g.GhostMode.GhostUntil.Local().Format(time.RFC1123))
		return
	}
	success.Println("  not active")
}

func renderReport(r notify.Report) {
	printSuccess(fmt.Sprintf("Dispatch: processed=%d recipients=%d sent=%d failed=%d", r.Processed, r.UniqueRecipients, r.Sent, r.Failed))
	for _, e := range r.Errors {
		printWarn("  " + e)
	}
}

func statusLabel(s duel.Status) string {
	switch s {
	case duel.StatusResolved:
		return color.GreenString(string(s))
	case duel.StatusActive, duel.StatusCountdown:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func reactionLabel(ms *int64) string {
	if ms == nil {
		return color.HiBlackString("no tap yet")
	}
	return fmt.Sprintf("%dms", *ms)
}

func youMarker(id, viewerID string) string {
	if id == viewerID {
		return " (you)"
	}
	return ""
}
