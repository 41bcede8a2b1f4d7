package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pawmise/sdk/go/pawmise"
)

var (
	chatServer  string
	chatAddress string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "以指定钱包地址与运行中的服务对话",
	Long: `交互式对话。除普通消息外支持以下指令：
  /history      查看会话历史
  /clear        清空会话
  /withdraw     紧急取款
  /stake-all    质押全部储蓄
  /stake-half   质押一半储蓄
  /quit         退出`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if strings.TrimSpace(chatAddress) == "" {
			return errors.New("需要通过 --address 指定钱包地址")
		}
		client, err := pawmise.NewClient(chatServer, nil)
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, chatAddress, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatServer, "server", "http://localhost:8080", "pawmised 服务地址")
	chatCmd.Flags().StringVar(&chatAddress, "address", "", "用户钱包地址")
}

func runChat(ctx context.Context, client *pawmise.Client, address string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" {
			return nil
		}
		if line != "" {
			if err := chatTurn(ctx, client, address, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func chatTurn(ctx context.Context, client *pawmise.Client, address, line string, out io.Writer) error {
	switch line {
	case "/history":
		history, err := client.History(ctx, address)
		if err != nil {
			return err
		}
		for _, msg := range history {
			fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
		}
		return nil
	case "/clear":
		cleared, err := client.ClearHistory(ctx, address)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared: %t\n", cleared)
		return nil
	case "/withdraw":
		return printFlow(client.EmergencyWithdrawal(ctx, address))(out)
	case "/stake-all":
		return printFlow(client.StakeAllTokens(ctx, address))(out)
	case "/stake-half":
		return printFlow(client.StakeHalfTokens(ctx, address))(out)
	}

	reply, err := client.Chat(ctx, address, line)
	if err != nil {
		return err
	}
	if !reply.Success && reply.Error != "" {
		return errors.New(reply.Error)
	}
	fmt.Fprintln(out, reply.Message)
	return nil
}

func printFlow(result pawmise.FlowResult, err error) func(io.Writer) error {
	return func(out io.Writer) error {
		if err != nil {
			return err
		}
		if !result.Success && result.Error != "" {
			return errors.New(result.Error)
		}
		fmt.Fprintln(out, result.Message)
		if result.Amount != "" {
			fmt.Fprintf(out, "amount: %s\n", result.Amount)
		}
		if result.TxHash != "" {
			fmt.Fprintf(out, "tx: %s\n", result.TxHash)
		}
		return nil
	}
}
