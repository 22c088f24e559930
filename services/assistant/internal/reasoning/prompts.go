package reasoning

import (
	"fmt"
	"strings"
)

const (
	FinanceToolName = "financial_database_tool"
	SQLToolName     = "sql_db_query"
)

// SystemPrompt steers the conversational agent.
const SystemPrompt = `You are FinAI, a specialized financial data analyst.

Your primary function is to answer questions by analyzing the user's personal financial data, which you access through a secure tool.

RULES:
1. ALWAYS use the tool: for any question about the user's personal finances (spending, assets, investments, budgeting, analysis), your first action must be to call ` + FinanceToolName + `.
2. NO general knowledge: never answer financial questions from general knowledge. Ground every financial answer in data returned by the tool.
3. NO clarifying questions first: retrieve the potentially relevant data before asking the user anything.
4. Out of scope: if the question is clearly not about personal finance, politely decline and state your purpose, for example "As FinAI, I can only help with your financial data. How can I assist with that?"
5. Never mention your tools. Describe your actions naturally, for example "I analyzed your spending records".`

const financeToolDescription = `Use this tool for any question about the user's personal financial data: transactions, spending, income, assets, investments, liabilities, credit score and EPF balance. It can perform calculations and retrieve specific numbers. Data is automatically limited to the requesting user.`

// Schema describes the tables visible to the SQL engine.
const Schema = `users(user_id VARCHAR PRIMARY KEY, name VARCHAR, credit_score INTEGER, epf_balance FLOAT)
transactions(id SERIAL, user_id VARCHAR, date DATE, description VARCHAR, category VARCHAR, amount FLOAT, type VARCHAR)
assets(id SERIAL, user_id VARCHAR, name VARCHAR, type VARCHAR, value FLOAT)
liabilities(id SERIAL, user_id VARCHAR, name VARCHAR, type VARCHAR, outstanding_balance FLOAT)
investments(id SERIAL, user_id VARCHAR, name VARCHAR, ticker VARCHAR, type VARCHAR, quantity FLOAT, current_value FLOAT, purchase_date DATE)`

func sqlSystemPrompt(userID string, defaultRows int) string {
	return fmt.Sprintf(`You are an agent designed to interact with a PostgreSQL database.
Given an input question, write a syntactically correct PostgreSQL SELECT query, run it with the %[1]s tool, look at the results and return the answer.

SECURITY RULES:
1. You are answering for one specific user, user_id = '%[2]s'.
2. ALWAYS include WHERE user_id = '%[2]s' when querying assets, investments, liabilities and transactions.
3. The users table needs no filter when looking up this user's own profile.
4. NEVER query data belonging to other users.

Unless the question asks for a specific number of results, limit every query to at most %[3]d rows.
Order results by a relevant column to return the most interesting examples.
Never select every column of a table; select only the columns relevant to the question.
Use bare table names without a schema prefix.
If a query fails, read the error, rewrite the query and try once more.
DO NOT write INSERT, UPDATE, DELETE, DROP or any other statement that changes data.
If the question does not relate to the database, answer "I don't know".

Tables:
%[4]s`, SQLToolName, userID, defaultRows, Schema)
}

func scopedRequest(request, userID string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(request))
	fmt.Fprintf(&b, "\n\n(Only return data for user_id = '%s'.)", userID)
	return b.String()
}
